// Package flags maps the human-friendly flag names used in configuration and
// on the command line to IMAP system flags.
package flags

import (
	"strings"

	"github.com/emersion/go-imap"
)

const (
	Answered = "answered"
	Deleted  = "deleted"
	Draft    = "draft"
	Flagged  = "flagged"
	Recent   = "recent"
	Seen     = "seen"
	User     = "user"
)

// Ref is a resolved flag. Custom is set when the name did not match one of the
// canonical names and Flag carries the name verbatim as a keyword.
type Ref struct {
	Name   string
	Flag   string
	Custom bool
}

var canonical = map[string]string{
	Answered: imap.AnsweredFlag,
	Deleted:  imap.DeletedFlag,
	Draft:    imap.DraftFlag,
	Flagged:  imap.FlaggedFlag,
	Recent:   imap.RecentFlag,
	Seen:     imap.SeenFlag,
	User:     imap.TryCreateFlag,
}

// Resolve never fails. Canonical names are matched case-insensitively, any
// other value becomes a custom keyword.
func Resolve(name string) Ref {
	key := strings.ToLower(strings.TrimSpace(name))
	if flag, ok := canonical[key]; ok {
		return Ref{Name: key, Flag: flag}
	}
	return Ref{Name: name, Flag: name, Custom: true}
}

// ResolveAll resolves every name, skipping blanks.
func ResolveAll(names []string) []Ref {
	refs := make([]Ref, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		refs = append(refs, Resolve(name))
	}
	return refs
}

// Name is the reverse of Resolve. System flags without a canonical name and
// keywords are returned unchanged.
func Name(flag string) string {
	for name, f := range canonical {
		if strings.EqualFold(f, flag) {
			return name
		}
	}
	return flag
}

// Contains reports whether flag is present in set. System flags compare
// case-insensitively as IMAP requires.
func Contains(set []string, flag string) bool {
	for _, f := range set {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
