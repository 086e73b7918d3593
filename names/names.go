// Package names normalises worker identifiers reported by mining pools.
//
// Pools are inconsistent about how they report worker names: some return the
// fully-qualified "account.worker" form, some only the bare worker suffix,
// and customer-entered names occasionally carry invisible Unicode characters
// or differ only in case or leading zeros. The helpers here fold all of that
// into comparable keys.
package names

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Clean applies Unicode NFKC normalisation, strips zero-width characters
// (U+200B..U+200D and U+FEFF) and trims surrounding whitespace.
func Clean(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// Head returns the account portion of a dotted worker name: the prefix
// before the first dot. It returns "" when the name has no dot.
func Head(s string) string {
	s = Clean(s)
	i := strings.Index(s, ".")
	if i < 0 {
		return ""
	}
	return s[:i]
}

// Tail returns the worker suffix of a dotted name: everything after the
// last dot, or the whole string when there is no dot.
func Tail(s string) string {
	s = Clean(s)
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return s
	}
	return s[i+1:]
}

// TailKey returns a fuzzy comparison key for a worker suffix: Tail lowered
// with leading zeros removed, so "Worker001", "worker01" and "worker1" all
// compare equal. A literal "0" is preserved.
func TailKey(s string) string {
	t := strings.ToLower(Tail(s))
	return foldLeadingZeros(t)
}

// foldLeadingZeros removes leading zeros from every digit run in s, keeping
// a single zero when a run is all zeros.
func foldLeadingZeros(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		if s[i] < '0' || s[i] > '9' {
			b.WriteByte(s[i])
			i++
			continue
		}
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		run := strings.TrimLeft(s[i:j], "0")
		if run == "" {
			run = "0"
		}
		b.WriteString(run)
		i = j
	}
	return b.String()
}
