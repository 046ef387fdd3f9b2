package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

func fixedParser() *Parser {
	return NewWithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})
}

func TestParseFullExternalRecord(t *testing.T) {
	p := fixedParser()
	rec, perr := p.Parse("2026-02-17 13:35:10 00:02:14 1011 918005551200 T001 +18005551200 ACC:76211 A T CID:90233201 SEQ:77 ACID:90199100 OLI:02")
	require.Nil(t, perr)
	require.NotNil(t, rec)

	assert.Equal(t, "2026-02-17", rec.Date)
	assert.Equal(t, "13:35:10", rec.StartTime)
	assert.Equal(t, "00:02:14", rec.Duration)
	assert.Equal(t, "1011", rec.CallingParty)
	assert.Equal(t, "918005551200", rec.CalledParty)
	assert.Equal(t, "T001", rec.TrunkNumber)
	assert.Equal(t, "+18005551200", rec.DigitsDialed)
	assert.Equal(t, "76211", rec.AccountCode)
	assert.Equal(t, "A", rec.CompletionStatus)
	assert.Equal(t, "T", rec.TransferFlag)
	assert.Equal(t, "90233201", rec.CallIdentifier)
	assert.Equal(t, "77", rec.CallSequence)
	assert.Equal(t, "90199100", rec.AssociatedIdentifier)
	assert.Equal(t, "02", rec.NetworkOLI)
	assert.Equal(t, models.CallExternal, rec.CallType)

	caps := p.DetectedOptions()
	assert.True(t, caps.AccountCodes)
	assert.True(t, caps.StandardizedCallID)
	assert.True(t, caps.NetworkOLI)
	assert.False(t, caps.ExtendedDigitLength)
}

func TestParseInternalRecord(t *testing.T) {
	rec, perr := fixedParser().Parse("2026-02-17 09:12:01 00:00:32 3001 3002 A CID:10001 SEQ:3")
	require.Nil(t, perr)
	assert.Equal(t, "3001", rec.CallingParty)
	assert.Equal(t, "3002", rec.CalledParty)
	assert.Equal(t, models.CallInternal, rec.CallType)
	assert.Equal(t, "10001", rec.CallIdentifier)
	assert.Equal(t, "3", rec.CallSequence)
}

func TestParseMalformed(t *testing.T) {
	rec, perr := fixedParser().Parse("MALFORMED INPUT")
	assert.Nil(t, rec)
	require.NotNil(t, perr)
	assert.Regexp(t, `token|date`, perr.Reason)
	assert.Equal(t, "MALFORMED INPUT", perr.Line)
}

func TestParseCompactDateTimeDuration(t *testing.T) {
	rec, perr := fixedParser().Parse("021726 183045 000231 4001 918005551212 T002 ACC:4401 A CID:77 OLI:01")
	require.Nil(t, perr)
	assert.Equal(t, "2026-02-17", rec.Date)
	assert.Equal(t, "18:30:45", rec.StartTime)
	assert.Equal(t, "00:02:31", rec.Duration)
	assert.Equal(t, "4001", rec.CallingParty)
	assert.Equal(t, "918005551212", rec.CalledParty)
	assert.Equal(t, "4401", rec.AccountCode)
	assert.Equal(t, "01", rec.NetworkOLI)
}

func TestParseMonthDayUsesCurrentYear(t *testing.T) {
	rec, perr := fixedParser().Parse("02/17 18:30:45 00:02:31 4002 3003 A CID:88")
	require.Nil(t, perr)
	assert.Equal(t, "2026-02-17", rec.Date)
	assert.True(t, strings.HasSuffix(rec.Date, "-02-17"))
}

func TestParseZeroPaddedRouteSwap(t *testing.T) {
	rec, perr := fixedParser().Parse("02/17 19:05:39 0000:00:15 2002 0004 2001 I 2001 000")
	require.Nil(t, perr)
	assert.Equal(t, "2002", rec.CallingParty)
	assert.Equal(t, "2001", rec.CalledParty)
	assert.Equal(t, "0004", rec.ThirdParty)
	assert.Equal(t, "I", rec.CompletionStatus)
	assert.Equal(t, "0000:00:15", rec.Duration)
	assert.Equal(t, models.CallInternal, rec.CallType)
}

func TestParseTrunkAnchoredRecord(t *testing.T) {
	rec, perr := fixedParser().Parse("02/04 13:34:38 0000:00:53 T1 0000 0284785439 4216 T3 010 0284785439 4216 M0100376 A")
	require.Nil(t, perr)
	assert.Equal(t, "T1", rec.TrunkNumber)
	assert.Equal(t, "0284785439", rec.DigitsDialed)
	assert.Equal(t, "4216", rec.CallingParty)
	assert.Equal(t, "0284785439", rec.CalledParty)
	assert.Equal(t, "A", rec.CompletionStatus)
	assert.Equal(t, models.CallExternal, rec.CallType)
}

func TestParseFailureReasons(t *testing.T) {
	cases := []struct {
		line   string
		reason string
	}{
		{"", ReasonBlank},
		{"%%%", ReasonBlank},
		{"\x00\x01 \x02", ReasonBlank},
		{"a b c d", ReasonTokenCount},
		{"alpha beta gamma delta epsilon", ReasonNoDate},
		{"2026-02-17 25:99 00:01:00 1001 1002", ReasonStartTime},
		{"x y z w 2026-02-17", ReasonStartTime},
		{"2026-02-17 10:00:00 00:01:00 A T", ReasonUnresolvable},
	}
	for _, tc := range cases {
		rec, perr := fixedParser().Parse(tc.line)
		assert.Nil(t, rec, tc.line)
		if assert.NotNil(t, perr, tc.line) {
			assert.Equal(t, tc.reason, perr.Reason, tc.line)
		}
	}
}

func TestParseIsTotal(t *testing.T) {
	p := fixedParser()
	inputs := []string{
		"",
		" ",
		"\"",
		"\"\"\"\"\"",
		"2026-02-17",
		"2026-02-17 10:00",
		"2026-02-17 10:00 ",
		"1 2 3 4 021726",
		"02/17 1000 9999 OLI",
		"02/17 1000 0130 OLI: ACC: CID= SEQ: ACID:",
		"02/17/26 10:00 00:10 T5 **** 000",
		"02/17/2026 10:00:00 \"quoted party\" \"\" 1001 1002",
		strings.Repeat("9", 500),
		strings.Repeat("02/17 ", 100),
		"%02-17-26 235959 235959 X9999 X9999 X9999",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			rec, perr := p.Parse(in)
			assert.True(t, (rec == nil) != (perr == nil), "exactly one outcome for %q", in)
			if rec != nil {
				assert.NotEmpty(t, rec.CallingParty)
				assert.NotEmpty(t, rec.CalledParty)
			}
		}, in)
	}
}

func TestParseStripsMarkerAndQuotes(t *testing.T) {
	rec, perr := fixedParser().Parse("%%2026-02-17 10:00:00 00:01:00 \"1001\" \"1002\" A")
	require.Nil(t, perr)
	assert.Equal(t, "1001", rec.CallingParty)
	assert.Equal(t, "1002", rec.CalledParty)
	assert.Equal(t, "2026-02-17 10:00:00 00:01:00 \"1001\" \"1002\" A", rec.RawLine)
}

func TestParseMissingDurationShiftsDetails(t *testing.T) {
	rec, perr := fixedParser().Parse("2026-02-17 10:00:00 101 102 A")
	require.Nil(t, perr)
	assert.Equal(t, "00:00:00", rec.Duration)
	assert.Equal(t, "101", rec.CallingParty)
	assert.Equal(t, "102", rec.CalledParty)
}

func TestParseExtendedDigits(t *testing.T) {
	p := fixedParser()
	rec, perr := p.Parse("2026-02-17 10:00:00 00:05:00 1001 T7 +12345678901234567 A")
	require.Nil(t, perr)
	assert.Equal(t, "+12345678901234567", rec.DigitsDialed)
	assert.Equal(t, "+12345678901234567", rec.CalledParty)
	assert.True(t, p.DetectedOptions().ExtendedDigitLength)
}

func TestParseUnknownSentinel(t *testing.T) {
	rec, perr := fixedParser().Parse("2026-02-17 10:00:00 00:00:10 T12 **** A B")
	require.Nil(t, perr)
	assert.Equal(t, "UNKNOWN", rec.CallingParty)
	assert.Equal(t, "UNKNOWN", rec.CalledParty)
	assert.Equal(t, "T12", rec.TrunkNumber)
}

func TestParseOLIForms(t *testing.T) {
	cases := map[string]string{
		"2026-02-17 10:00:00 00:01:00 1001 1002 A OLI:07":  "07",
		"2026-02-17 10:00:00 00:01:00 1001 1002 A OLI=08":  "08",
		"2026-02-17 10:00:00 00:01:00 1001 1002 A OLI 09":  "09",
		"2026-02-17 10:00:00 00:01:00 1001 1002 A OLI: 10": "10",
	}
	for line, want := range cases {
		rec, perr := fixedParser().Parse(line)
		require.Nil(t, perr, line)
		assert.Equal(t, want, rec.NetworkOLI, line)
		assert.Equal(t, "1002", rec.CalledParty, line)
	}
}

func TestParseBareKeyTakesNextToken(t *testing.T) {
	rec, perr := fixedParser().Parse("2026-02-17 10:00:00 00:01:00 1001 1002 ACC: 5544 CID= 42 B")
	require.Nil(t, perr)
	assert.Equal(t, "5544", rec.AccountCode)
	assert.Equal(t, "42", rec.CallIdentifier)
	assert.Equal(t, "B", rec.CompletionStatus)
}

func TestCapabilitiesOnlyFromSuccessfulParses(t *testing.T) {
	p := fixedParser()
	_, perr := p.Parse("2026-02-17 10:00:00 00:01:00 A ACC:1 CID:2 OLI:3")
	require.NotNil(t, perr)
	assert.Equal(t, models.Capabilities{}, p.DetectedOptions())

	_, perr = p.Parse("2026-02-17 10:00:00 00:01:00 1001 1002 ACC:1")
	require.Nil(t, perr)
	caps := p.DetectedOptions()
	assert.True(t, caps.AccountCodes)
	assert.False(t, caps.NetworkOLI)
}

func TestDetectedOptionsIsSnapshot(t *testing.T) {
	p := fixedParser()
	snap := p.DetectedOptions()
	_, perr := p.Parse("2026-02-17 10:00:00 00:01:00 1001 1002 CID:9")
	require.Nil(t, perr)
	assert.False(t, snap.StandardizedCallID)
	assert.True(t, p.DetectedOptions().StandardizedCallID)
}

func TestNormalizeDate(t *testing.T) {
	now := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := map[string]string{
		"2026-02-17": "2026-02-17",
		"20260217":   "2026-02-17",
		"02172026":   "2026-02-17",
		"021726":     "2026-02-17",
		"02/17":      "2027-02-17",
		"02-17":      "2027-02-17",
		"02/17/26":   "2026-02-17",
		"02-17-2026": "2026-02-17",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeDate(in, now), in)
	}
}

func TestNormalizeTimeAndDuration(t *testing.T) {
	assert.Equal(t, "13:35", normalizeTime("1335"))
	assert.Equal(t, "13:35:10", normalizeTime("133510"))
	assert.Equal(t, "13:35:10", normalizeTime("13:35:10"))
	assert.Equal(t, "02:14", normalizeDuration("0214"))
	assert.Equal(t, "00:02:14", normalizeDuration("000214"))
	assert.Equal(t, "1:02:14", normalizeDuration("1:02:14"))
	assert.Equal(t, "0000:00:15", normalizeDuration("0000:00:15"))
}

func TestTokenClassifiers(t *testing.T) {
	for _, tok := range []string{"T1", "x9999", "ACC:1", "acct=4", "CID", "OLI", "oli:2", "a", "X", "c"} {
		assert.True(t, isOption(tok), tok)
	}
	for _, tok := range []string{"", "1001", "T12345", "OLIVER", "ACCOUNTS", "Z"} {
		assert.False(t, isOption(tok), tok)
	}
	for _, tok := range []string{"****", "00", "0000", "000123", "010"} {
		assert.True(t, isRouteLike(tok), tok)
	}
	for _, tok := range []string{"1000", "0100", "01", "12"} {
		assert.False(t, isRouteLike(tok), tok)
	}
	assert.True(t, isExtension("1011*"))
	assert.False(t, isExtension("12"))
}

func TestPartyStrategyOrder(t *testing.T) {
	var names []string
	for _, s := range partyStrategies {
		names = append(names, s.name)
	}
	assert.Equal(t, []string{
		"positional", "zero-padded-swap", "option-filtered-rescan",
		"trunk-anchor", "duplicate-extension", "unknown-sentinel",
	}, names)
}

func TestDuplicateExtensionWithoutTrunk(t *testing.T) {
	rec, perr := fixedParser().Parse("2026-02-17 10:00:00 00:01:00 1001 1001 1002 A")
	require.Nil(t, perr)
	assert.Equal(t, "1001", rec.CallingParty)
	assert.Equal(t, "1002", rec.CalledParty)
}
