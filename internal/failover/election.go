package failover

import (
	"sort"

	"github.com/jackc/pglogrepl"
	"github.com/samber/lo"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
)

// Candidate is one node considered for promotion.
type Candidate struct {
	Node       catalog.NodeRecord
	ReceiveLSN pglogrepl.LSN
	Reachable  bool
}

// Eligible reports whether the candidate may be promoted at all: it must be
// reachable, hold a non-zero priority, and not be a witness.
func (c Candidate) Eligible() bool {
	return c.Reachable && c.Node.Priority > 0 && c.Node.Type != catalog.NodeWitness
}

// Rank orders candidates by (receive LSN desc, priority desc, location
// preference, node id asc) after dropping ineligible ones. The node id
// tie-break makes the order total, so equal-key candidates rank
// deterministically. primaryLocation is the failed primary's failure
// domain; candidates inside it are preferred when LSNs and priorities tie.
func Rank(candidates []Candidate, primaryLocation string) []Candidate {
	ranked := lo.Filter(candidates, func(c Candidate, _ int) bool {
		return c.Eligible()
	})

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.ReceiveLSN != b.ReceiveLSN {
			return a.ReceiveLSN > b.ReceiveLSN
		}
		if a.Node.Priority != b.Node.Priority {
			return a.Node.Priority > b.Node.Priority
		}
		aLocal := a.Node.Location == primaryLocation
		bLocal := b.Node.Location == primaryLocation
		if aLocal != bLocal {
			return aLocal
		}
		return a.Node.NodeID < b.Node.NodeID
	})
	return ranked
}

// Winner returns the top-ranked candidate, if any.
func Winner(candidates []Candidate, primaryLocation string) (Candidate, bool) {
	ranked := Rank(candidates, primaryLocation)
	if len(ranked) == 0 {
		return Candidate{}, false
	}
	return ranked[0], true
}

// TallyVotes folds the per-sibling ballot outcomes: every reachable sibling
// must endorse; a single rerun request defeats the candidature.
func TallyVotes(outcomes []catalog.VoteOutcome) (endorsed bool, rerun bool) {
	rerun = lo.Contains(outcomes, catalog.VoteRerun)
	endorsed = !rerun && !lo.Contains(outcomes, catalog.VoteRefused)
	return endorsed, rerun
}
