package parser

import (
	"github.com/hamzaKhattat/smdr-collector/internal/models"
	"github.com/hamzaKhattat/smdr-collector/internal/sanitize"
)

// resolution is the working state shared by the party strategies.
type resolution struct {
	rec       *models.Record
	party     []string // sanitized party-region tokens, empties dropped
	rawParty  []string
	remaining []string

	// Sanitized non-option detail tokens and their classifications.
	context    []string
	extensions []string
	routes     []string
	externals  []string
}

func newResolution(rec *models.Record, details, party, remaining []string) *resolution {
	r := &resolution{
		rec:       rec,
		party:     sanitizeAll(party, false),
		rawParty:  party,
		remaining: remaining,
		context:   sanitizeAll(details, true),
	}
	for _, t := range r.context {
		route := isRouteLike(t)
		if route {
			r.routes = append(r.routes, t)
		}
		if isExtension(t) && !route {
			r.extensions = append(r.extensions, t)
		}
		if dialedDigits.MatchString(t) && !route {
			r.externals = append(r.externals, t)
		}
	}
	return r
}

func (r *resolution) resolved() bool {
	return r.rec.CallingParty != "" && r.rec.CalledParty != ""
}

// partyStrategy is one step of the resolution cascade. Each step decides
// for itself whether it applies.
type partyStrategy struct {
	name  string
	apply func(r *resolution)
}

// Order matters: later steps refine or override earlier ones.
var partyStrategies = []partyStrategy{
	{"positional", positional},
	{"zero-padded-swap", zeroPaddedSwap},
	{"option-filtered-rescan", optionFilteredRescan},
	{"trunk-anchor", trunkAnchor},
	{"duplicate-extension", duplicateExtension},
	{"unknown-sentinel", unknownSentinel},
}

func resolveParties(r *resolution) bool {
	for _, s := range partyStrategies {
		s.apply(r)
	}
	return r.resolved()
}

// positional: calling, called, third in order of appearance.
func positional(r *resolution) {
	r.rec.CallingParty = at(r.party, 0)
	r.rec.CalledParty = at(r.party, 1)
	r.rec.ThirdParty = at(r.party, 2)
	if r.rec.ThirdParty == "" && len(r.remaining) > 0 {
		r.rec.ThirdParty = sanitize.Field(r.remaining[0])
	}
}

// zeroPaddedSwap: some internal records carry a zero-padded route token
// (0004) between calling and called party.
func zeroPaddedSwap(r *resolution) {
	if len(r.party) < 3 {
		return
	}
	mid, last := r.party[1], r.party[2]
	if swapRoute.MatchString(mid) && swapCalled.MatchString(last) && mid != last {
		r.rec.CalledParty = last
		r.rec.ThirdParty = mid
	}
}

// optionFilteredRescan: when a party slot is empty or holds an option
// token, rebuild all three from the party and leftover tokens.
func optionFilteredRescan(r *resolution) {
	if r.resolved() && !isOption(r.rec.CallingParty) && !isOption(r.rec.CalledParty) {
		return
	}
	candidates := sanitizeAll(append(append([]string(nil), r.rawParty...), r.remaining...), true)
	r.rec.CallingParty = at(candidates, 0)
	r.rec.CalledParty = at(candidates, 1)
	r.rec.ThirdParty = at(candidates, 2)
}

// trunkAnchor: on trunk calls the extension usually follows the dialed
// digits and the called party is the dialed number.
func trunkAnchor(r *resolution) {
	rec := r.rec
	if rec.TrunkNumber == "" {
		return
	}

	if rec.DigitsDialed != "" {
		if idx := indexOf(r.context, rec.DigitsDialed); idx >= 0 {
			for _, t := range r.context[idx+1:] {
				if isExtension(t) && !isRouteLike(t) {
					rec.CallingParty = t
					break
				}
			}
		}
	}

	if rec.CallingParty == "" || isRouteLike(rec.CallingParty) {
		if ext := lastExcept(r.extensions, rec.CalledParty); ext != "" {
			rec.CallingParty = ext
		} else if len(r.extensions) > 0 {
			rec.CallingParty = r.extensions[0]
		}
	}

	if rec.CalledParty == "" || rec.CalledParty == rec.CallingParty || isRouteLike(rec.CalledParty) {
		switch {
		case rec.DigitsDialed != "":
			rec.CalledParty = rec.DigitsDialed
		case firstExcept(r.externals, rec.CallingParty) != "":
			rec.CalledParty = firstExcept(r.externals, rec.CallingParty)
		case firstExcept(r.extensions, rec.CallingParty) != "":
			rec.CalledParty = firstExcept(r.extensions, rec.CallingParty)
		}
	}

	if rec.ThirdParty == "" {
		rec.ThirdParty = at(r.routes, 0)
	}
}

// duplicateExtension: without a trunk, a called party equal to the caller
// is replaced by another extension from the line.
func duplicateExtension(r *resolution) {
	rec := r.rec
	if rec.TrunkNumber != "" || rec.CalledParty != rec.CallingParty || len(r.extensions) < 2 {
		return
	}
	if ext := firstExcept(r.extensions, rec.CallingParty); ext != "" {
		rec.CalledParty = ext
	}
}

// unknownSentinel: trunk records with nothing but route placeholders
// still describe a call, just not whose.
func unknownSentinel(r *resolution) {
	if r.resolved() || r.rec.TrunkNumber == "" {
		return
	}
	for _, t := range r.context {
		if !isRouteLike(t) {
			return
		}
	}
	r.rec.CallingParty = unknownParty
	r.rec.CalledParty = unknownParty
}

func sanitizeAll(tokens []string, dropOptions bool) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = sanitize.Field(t)
		if t == "" || (dropOptions && isOption(t)) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func at(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}

func indexOf(s []string, v string) int {
	for i, t := range s {
		if t == v {
			return i
		}
	}
	return -1
}

func firstExcept(s []string, v string) string {
	for _, t := range s {
		if t != v {
			return t
		}
	}
	return ""
}

func lastExcept(s []string, v string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != v {
			return s[i]
		}
	}
	return ""
}
