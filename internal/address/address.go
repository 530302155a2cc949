// Package address normalizes e-mail addresses into equality-safe sets.
//
// Every address taken from a header or an SMTP envelope goes through
// Normalize before it is compared, stored or used as a recipient.
// Malformed inputs are dropped silently; this is the documented
// soft-failure site for address parsing.
package address

import (
	"sort"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Set is a set of normalized e-mail addresses.
type Set map[string]struct{}

func NewSet(addrs ...string) Set {
	s := make(Set, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

func (s Set) Has(addr string) bool {
	_, ok := s[addr]
	return ok
}

func (s Set) Add(addr string) {
	s[addr] = struct{}{}
}

// Union returns a new set containing the members of s and others.
func (s Set) Union(others ...Set) Set {
	out := make(Set, len(s))
	for a := range s {
		out[a] = struct{}{}
	}
	for _, o := range others {
		for a := range o {
			out[a] = struct{}{}
		}
	}
	return out
}

// Diff returns a new set with the members of o removed from s.
func (s Set) Diff(o Set) Set {
	out := make(Set, len(s))
	for a := range s {
		if !o.Has(a) {
			out[a] = struct{}{}
		}
	}
	return out
}

// Slice returns the members in lexicographic order.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (s Set) Copy() Set {
	out := make(Set, len(s))
	for a := range s {
		out[a] = struct{}{}
	}
	return out
}

// normalizeOne strips the display name, validates the syntactic shape and
// lowercases the domain. It reports false for anything unparseable.
func normalizeOne(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	var h mail.Header
	h.Set("To", raw)
	list, err := h.AddressList("To")
	if err != nil || len(list) != 1 {
		return "", false
	}
	return normalizeAddr(list[0].Address)
}

func normalizeAddr(addr string) (string, bool) {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", false
	}
	local, domain := addr[:at], addr[at+1:]
	if strings.ContainsAny(domain, " \t") {
		return "", false
	}
	return local + "@" + strings.ToLower(domain), true
}

// Normalize parses each raw input (one address per element) and returns the
// set of normalized addresses. Duplicates collapse; malformed entries vanish.
func Normalize(raws ...string) Set {
	s := make(Set)
	for _, raw := range raws {
		if a, ok := normalizeOne(raw); ok {
			s.Add(a)
		}
	}
	return s
}

// FromList normalizes an already-parsed address list.
func FromList(list []*mail.Address) Set {
	s := make(Set, len(list))
	for _, a := range list {
		if n, ok := normalizeAddr(a.Address); ok {
			s.Add(n)
		}
	}
	return s
}

// FromHeader extracts and normalizes the address list of the named header
// field. A missing field yields the empty set; a field that does not parse
// as a whole is split on commas and only its malformed entries are dropped.
func FromHeader(h mail.Header, key string) Set {
	list, err := h.AddressList(key)
	if err != nil || list == nil {
		// Fall back to comma splitting so that one bad entry does not
		// discard its parseable neighbours.
		return Normalize(strings.Split(h.Get(key), ",")...)
	}
	return FromList(list)
}
