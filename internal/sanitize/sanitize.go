// Package sanitize cleans controller input before it is parsed or stored.
package sanitize

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	fieldChars   = regexp.MustCompile(`[^\w\s:;,.+\-_/()#@*=|]`)
)

// Line strips control characters and surrounding whitespace.
func Line(s string) string {
	return strings.TrimSpace(controlChars.ReplaceAllString(s, ""))
}

// Field is Line plus removal of anything outside the SMDR field alphabet.
func Field(s string) string {
	return strings.TrimSpace(fieldChars.ReplaceAllString(Line(s), ""))
}

// AllowList restricts which controller addresses may be dialed.
// An empty list allows everything.
type AllowList struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// NewAllowList accepts plain addresses and CIDR prefixes.
func NewAllowList(entries []string) (*AllowList, error) {
	al := &AllowList{addrs: make(map[netip.Addr]struct{})}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid allow-list prefix %q: %w", e, err)
			}
			al.prefixes = append(al.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allow-list address %q: %w", e, err)
		}
		al.addrs[a.Unmap()] = struct{}{}
	}
	return al, nil
}

// Empty reports whether the list imposes no restriction.
func (al *AllowList) Empty() bool {
	return al == nil || (len(al.addrs) == 0 && len(al.prefixes) == 0)
}

// Allowed reports whether host may be dialed. Hostnames only pass an empty list.
func (al *AllowList) Allowed(host string) bool {
	if al.Empty() {
		return true
	}
	a, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return false
	}
	a = a.Unmap()
	if _, ok := al.addrs[a]; ok {
		return true
	}
	for _, p := range al.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
