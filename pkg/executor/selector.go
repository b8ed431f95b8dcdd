package executor

import (
	"aaronromeo.com/tabellarium/pkg/flags"
	"github.com/emersion/go-imap"
)

// SelectionFilter decides which messages of the folder an operation visits.
type SelectionFilter struct {
	includeSeen bool
}

func BuildFilter(includeSeen bool) SelectionFilter {
	return SelectionFilter{includeSeen: includeSeen}
}

func (f SelectionFilter) IncludeSeen() bool {
	return f.includeSeen
}

// Criteria is the server-side search: UNSEEN, or OR SEEN UNSEEN when seen
// messages are included. Messages already marked deleted never match.
func (f SelectionFilter) Criteria() *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}

	if !f.includeSeen {
		criteria.WithoutFlags = append(criteria.WithoutFlags, imap.SeenFlag)
		return criteria
	}

	seen := imap.NewSearchCriteria()
	seen.WithFlags = []string{imap.SeenFlag}
	unseen := imap.NewSearchCriteria()
	unseen.WithoutFlags = []string{imap.SeenFlag}
	criteria.Or = [][2]*imap.SearchCriteria{{seen, unseen}}

	return criteria
}

// Admits re-checks a message's current flags inside the processing loop.
func (f SelectionFilter) Admits(current []string) bool {
	if flags.Contains(current, imap.DeletedFlag) {
		return false
	}
	if !f.includeSeen && flags.Contains(current, imap.SeenFlag) {
		return false
	}
	return true
}
