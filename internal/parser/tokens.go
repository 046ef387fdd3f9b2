package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	datePattern     = regexp.MustCompile(`^(?:\d{4}-\d{2}-\d{2}|\d{2}[/-]\d{2}(?:[/-]\d{2,4})?|\d{6}|\d{8})$`)
	timePattern     = regexp.MustCompile(`^(?:(?:[01]\d|2[0-3]):[0-5]\d(?::[0-5]\d)?|(?:[01]\d|2[0-3])[0-5]\d(?:[0-5]\d)?)$`)
	durationPattern = regexp.MustCompile(`^(?:(?:\d{1,4}:)?[0-5]?\d:[0-5]\d|\d{4}|\d{6})$`)
	colonTime       = regexp.MustCompile(`^(?:[01]\d|2[0-3]):[0-5]\d(?::[0-5]\d)?$`)
	colonDuration   = regexp.MustCompile(`^(?:\d{1,2}:)?[0-5]?\d:[0-5]\d$`)
	isoDate         = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	monthDay        = regexp.MustCompile(`^\d{2}[/-]\d{2}$`)
	fourDigits      = regexp.MustCompile(`^\d{4}$`)
	sixDigits       = regexp.MustCompile(`^\d{6}$`)
	eightDigits     = regexp.MustCompile(`^\d{8}$`)
	tokenPattern    = regexp.MustCompile(`"[^"]*"|\S+`)

	trunkToken     = regexp.MustCompile(`(?i)^[TX]\d{1,4}$`)
	optionKeyToken = regexp.MustCompile(`(?i)^(?:ACC|ACCOUNT|ACCT|CID|CALLID|CALL_IDENTIFIER|SEQ|SEQUENCE|CALLSEQ|ACID|ASSOC|ASSOCIATED|ASSOCID)(?::|=|$)`)
	oliToken       = regexp.MustCompile(`(?i)^OLI(?::|=|$)`)
	dialedDigits   = regexp.MustCompile(`^\+?\d{7,24}$`)
	extensionToken = regexp.MustCompile(`^\d{3,6}\*?$`)
	zeroPadded     = regexp.MustCompile(`^0{2,}\d{0,4}$`)
	zeroPrefixed   = regexp.MustCompile(`^0\d{2}$`)
	swapRoute      = regexp.MustCompile(`^0{2,}\d{1,4}$`)
	swapCalled     = regexp.MustCompile(`^\d{2,}$`)
)

// Single-letter call completion codes.
var completionCodes = map[string]bool{
	"A": true, "B": true, "E": true, "T": true, "I": true,
	"O": true, "D": true, "S": true, "U": true,
}

var transferFlags = map[string]bool{"T": true, "X": true, "C": true}

func tokenize(line string) []string {
	raw := tokenPattern.FindAllString(line, -1)
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimPrefix(t, `"`)
		t = strings.TrimSuffix(t, `"`)
		tokens = append(tokens, t)
	}
	return tokens
}

func isExtension(token string) bool {
	return extensionToken.MatchString(token)
}

// isRouteLike matches zero-padded route or feature placeholders such as 0000, 010 and ****.
func isRouteLike(token string) bool {
	return token == "****" || zeroPadded.MatchString(token) || zeroPrefixed.MatchString(token)
}

func isOption(token string) bool {
	if token == "" {
		return false
	}
	if trunkToken.MatchString(token) || optionKeyToken.MatchString(token) || oliToken.MatchString(token) {
		return true
	}
	upper := strings.ToUpper(token)
	return completionCodes[upper] || transferFlags[upper]
}

func normalizeTime(token string) string {
	switch {
	case colonTime.MatchString(token):
		return token
	case fourDigits.MatchString(token):
		return token[0:2] + ":" + token[2:4]
	case sixDigits.MatchString(token):
		return token[0:2] + ":" + token[2:4] + ":" + token[4:6]
	}
	return token
}

func normalizeDuration(token string) string {
	switch {
	case colonDuration.MatchString(token):
		return token
	case fourDigits.MatchString(token):
		return token[0:2] + ":" + token[2:4]
	case sixDigits.MatchString(token):
		return token[0:2] + ":" + token[2:4] + ":" + token[4:6]
	}
	return token
}

// normalizeDate renders a date token as YYYY-MM-DD. Compact forms are
// month first (MMDDYY, MMDDYYYY) unless an 8-digit token starts with a
// plausible year. MM/DD without a year takes the year from now.
func normalizeDate(token string, now time.Time) string {
	switch {
	case isoDate.MatchString(token):
		return token
	case eightDigits.MatchString(token):
		if y, _ := strconv.Atoi(token[0:4]); y > 1900 {
			return token[0:4] + "-" + token[4:6] + "-" + token[6:8]
		}
		return token[4:8] + "-" + token[0:2] + "-" + token[2:4]
	case sixDigits.MatchString(token):
		return "20" + token[4:6] + "-" + token[0:2] + "-" + token[2:4]
	case monthDay.MatchString(token):
		return strconv.Itoa(now.Year()) + "-" + token[0:2] + "-" + token[3:5]
	}
	parts := strings.FieldsFunc(token, func(r rune) bool { return r == '/' || r == '-' })
	if len(parts) != 3 {
		return token
	}
	year := parts[2]
	if len(year) == 2 {
		year = "20" + year
	}
	return year + "-" + parts[0] + "-" + parts[1]
}
