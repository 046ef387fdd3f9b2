// Package parser turns framed SMDR lines into normalized call records.
//
// Controller firmware does not agree on a fixed column layout, so the parser
// anchors on the date and time tokens, treats everything after them as a
// loosely ordered detail region, and resolves the parties with a cascade of
// heuristics (see party.go).
package parser

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hamzaKhattat/smdr-collector/internal/models"
	"github.com/hamzaKhattat/smdr-collector/internal/sanitize"
)

// Parse failure reasons.
const (
	ReasonBlank        = "blank line after sanitization"
	ReasonTokenCount   = "insufficient token count"
	ReasonNoDate       = "date token not found"
	ReasonStartTime    = "start time format invalid"
	ReasonUnresolvable = "could not resolve calling/called party"
)

const (
	minTokens       = 5
	extendedDigits  = 16
	defaultDuration = "00:00:00"
	unknownParty    = "UNKNOWN"
)

var (
	accountBare  = regexp.MustCompile(`(?i)^(?:ACC|ACCOUNT|ACCT)[:=]$`)
	accountValue = regexp.MustCompile(`(?i)^(?:ACC|ACCOUNT|ACCT)[:=](.+)$`)
	callIDBare   = regexp.MustCompile(`(?i)^(?:CID|CALLID|CALL_IDENTIFIER)[:=]$`)
	callIDValue  = regexp.MustCompile(`(?i)^(?:CID|CALLID|CALL_IDENTIFIER)[:=](.+)$`)
	seqBare      = regexp.MustCompile(`(?i)^(?:SEQ|SEQUENCE|CALLSEQ)[:=]$`)
	seqValue     = regexp.MustCompile(`(?i)^(?:SEQ|SEQUENCE|CALLSEQ)[:=](.+)$`)
	assocBare    = regexp.MustCompile(`(?i)^(?:ACID|ASSOC|ASSOCIATED|ASSOCID)[:=]$`)
	assocValue   = regexp.MustCompile(`(?i)^(?:ACID|ASSOC|ASSOCIATED|ASSOCID)[:=](.+)$`)
)

// Parser is safe for concurrent use. It remembers which optional fields the
// controller has been seen to emit.
type Parser struct {
	mu   sync.Mutex
	caps models.Capabilities
	now  func() time.Time
}

func New() *Parser {
	return &Parser{now: time.Now}
}

// NewWithClock uses now to fill in the year of MM/DD dates.
func NewWithClock(now func() time.Time) *Parser {
	return &Parser{now: now}
}

// DetectedOptions returns a copy of the capability flags.
func (p *Parser) DetectedOptions() models.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// Parse never panics: every input yields exactly one of a record or a parse error.
func (p *Parser) Parse(raw string) (*models.Record, *models.ParseError) {
	fail := func(reason string) (*models.Record, *models.ParseError) {
		return nil, &models.ParseError{Line: raw, Reason: reason, CreatedAt: p.now()}
	}

	line := strings.TrimSpace(strings.TrimLeft(sanitize.Line(raw), "%"))
	if line == "" {
		return fail(ReasonBlank)
	}

	tokens := tokenize(line)
	if len(tokens) < minTokens {
		return fail(ReasonTokenCount)
	}

	dateIdx := -1
	for i, t := range tokens {
		if datePattern.MatchString(t) {
			dateIdx = i
			break
		}
	}
	if dateIdx < 0 {
		return fail(ReasonNoDate)
	}

	startTime := normalizeTime(tokenAt(tokens, dateIdx+1))
	if !timePattern.MatchString(startTime) {
		return fail(ReasonStartTime)
	}

	duration := normalizeDuration(tokenAt(tokens, dateIdx+2))
	detailStart := dateIdx + 3
	if !durationPattern.MatchString(duration) {
		duration = defaultDuration
		detailStart = dateIdx + 2
	}

	var details []string
	if detailStart < len(tokens) {
		details = tokens[detailStart:]
	}
	partyTokens, optionTokens := details, []string(nil)
	for i, t := range details {
		if isOption(t) {
			partyTokens, optionTokens = details[:i], details[i:]
			break
		}
	}

	rec := &models.Record{
		Date:      normalizeDate(tokens[dateIdx], p.now()),
		StartTime: startTime,
		Duration:  duration,
		RawLine:   line,
	}

	var seen models.Capabilities
	remaining := scanOptions(rec, optionTokens, &seen)

	if !resolveParties(newResolution(rec, details, partyTokens, remaining)) {
		return fail(ReasonUnresolvable)
	}

	if rec.DigitsDialed != "" || !isExtension(rec.CalledParty) {
		rec.CallType = models.CallExternal
	} else {
		rec.CallType = models.CallInternal
	}

	p.mu.Lock()
	p.caps.AccountCodes = p.caps.AccountCodes || seen.AccountCodes
	p.caps.StandardizedCallID = p.caps.StandardizedCallID || seen.StandardizedCallID
	p.caps.NetworkOLI = p.caps.NetworkOLI || seen.NetworkOLI
	p.caps.ExtendedDigitLength = p.caps.ExtendedDigitLength || seen.ExtendedDigitLength
	p.mu.Unlock()

	return rec, nil
}

// scanOptions fills the optional fields in one left-to-right pass and returns
// the tokens it could not classify.
func scanOptions(rec *models.Record, tokens []string, seen *models.Capabilities) []string {
	var remaining []string
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		next := tokenAt(tokens, i+1)

		if trunkToken.MatchString(tok) && rec.TrunkNumber == "" {
			rec.TrunkNumber = strings.ToUpper(tok)
			continue
		}

		if value, consumed, ok := keyedValue(tok, next, accountBare, accountValue); ok {
			rec.AccountCode = value
			seen.AccountCodes = true
			i += consumed
			continue
		}
		if value, consumed, ok := keyedValue(tok, next, callIDBare, callIDValue); ok {
			rec.CallIdentifier = value
			seen.StandardizedCallID = true
			i += consumed
			continue
		}
		if value, consumed, ok := keyedValue(tok, next, seqBare, seqValue); ok {
			rec.CallSequence = value
			i += consumed
			continue
		}
		if value, consumed, ok := keyedValue(tok, next, assocBare, assocValue); ok {
			rec.AssociatedIdentifier = value
			i += consumed
			continue
		}

		if oliToken.MatchString(tok) {
			value, consumed := oliValue(tok, next)
			if value != "" {
				rec.NetworkOLI = value
				seen.NetworkOLI = true
				i += consumed
			}
			continue
		}

		upper := strings.ToUpper(tok)
		if completionCodes[upper] && rec.CompletionStatus == "" {
			rec.CompletionStatus = upper
			continue
		}
		if transferFlags[upper] && rec.TransferFlag == "" {
			rec.TransferFlag = upper
			continue
		}

		if dialedDigits.MatchString(tok) && rec.DigitsDialed == "" {
			rec.DigitsDialed = tok
			if len(strings.TrimPrefix(tok, "+")) > extendedDigits {
				seen.ExtendedDigitLength = true
			}
			continue
		}

		remaining = append(remaining, tok)
	}
	return remaining
}

// keyedValue handles both "KEY:value" and "KEY: value" spellings.
func keyedValue(tok, next string, bare, inline *regexp.Regexp) (value string, consumed int, ok bool) {
	if bare.MatchString(tok) && next != "" {
		return next, 1, true
	}
	if m := inline.FindStringSubmatch(tok); m != nil {
		return m[1], 0, true
	}
	return "", 0, false
}

// oliValue accepts OLI:02, OLI=02, "OLI: 02" and "OLI 02".
func oliValue(tok, next string) (string, int) {
	sep := strings.IndexAny(tok, ":=")
	if sep < 0 {
		return next, 1
	}
	value := tok[sep+1:]
	if end := strings.IndexAny(value, ":="); end >= 0 {
		value = value[:end]
	}
	if value == "" {
		return next, 1
	}
	return value, 0
}

func tokenAt(tokens []string, i int) string {
	if i < 0 || i >= len(tokens) {
		return ""
	}
	return tokens[i]
}
