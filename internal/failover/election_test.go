package failover

import (
	"math/rand"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
)

func standby(id, priority int, location string, lsn uint64) Candidate {
	return Candidate{
		Node: catalog.NodeRecord{
			NodeID: id, Type: catalog.NodeStandby, Priority: priority, Location: location,
		},
		ReceiveLSN: pglogrepl.LSN(lsn),
		Reachable:  true,
	}
}

func TestRank_HighestLSNWins(t *testing.T) {
	cands := []Candidate{
		standby(2, 100, "dc1", 0x1000),
		standby(3, 100, "dc1", 0x2000),
	}
	w, ok := Winner(cands, "dc1")
	if !ok || w.Node.NodeID != 3 {
		t.Fatalf("expected node 3, got %+v ok=%v", w, ok)
	}
}

func TestRank_PriorityBreaksEqualLSN(t *testing.T) {
	cands := []Candidate{
		standby(2, 50, "dc1", 0x1000),
		standby(3, 150, "dc1", 0x1000),
	}
	w, _ := Winner(cands, "dc1")
	if w.Node.NodeID != 3 {
		t.Fatalf("expected node 3, got %d", w.Node.NodeID)
	}
}

func TestRank_LocationBreaksEqualPriority(t *testing.T) {
	cands := []Candidate{
		standby(2, 100, "dc2", 0x1000),
		standby(3, 100, "dc1", 0x1000),
	}
	w, _ := Winner(cands, "dc1")
	if w.Node.NodeID != 3 {
		t.Fatalf("expected node in the primary's location, got %d", w.Node.NodeID)
	}
}

func TestRank_NodeIDBreaksFullTie(t *testing.T) {
	cands := []Candidate{
		standby(3, 100, "dc1", 0x1000),
		standby(2, 100, "dc1", 0x1000),
	}
	w, _ := Winner(cands, "dc1")
	if w.Node.NodeID != 2 {
		t.Fatalf("full tie must fall to the lower node id, got %d", w.Node.NodeID)
	}
}

func TestRank_OrderIsTotalAndPermutationInvariant(t *testing.T) {
	base := []Candidate{
		standby(5, 100, "dc1", 0x2000),
		standby(2, 100, "dc1", 0x2000),
		standby(9, 0, "dc1", 0x9000), // priority 0: ineligible
		standby(4, 150, "dc2", 0x1000),
		standby(7, 100, "dc2", 0x2000),
	}

	want := Rank(append([]Candidate(nil), base...), "dc1")

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := append([]Candidate(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		got := Rank(shuffled, "dc1")
		if len(got) != len(want) {
			t.Fatalf("ranking length changed: %d vs %d", len(got), len(want))
		}
		for j := range got {
			if got[j].Node.NodeID != want[j].Node.NodeID {
				t.Fatalf("permutation changed ranking at %d: %d vs %d",
					j, got[j].Node.NodeID, want[j].Node.NodeID)
			}
		}
	}
}

func TestRank_ExcludesWitnessesAndUnreachable(t *testing.T) {
	witness := Candidate{
		Node:      catalog.NodeRecord{NodeID: 4, Type: catalog.NodeWitness, Priority: 100},
		Reachable: true,
	}
	dead := standby(2, 100, "dc1", 0xF000)
	dead.Reachable = false

	cands := []Candidate{witness, dead, standby(3, 100, "dc1", 0x1000)}
	ranked := Rank(cands, "dc1")
	if len(ranked) != 1 || ranked[0].Node.NodeID != 3 {
		t.Fatalf("unexpected ranking: %+v", ranked)
	}
}

func TestTallyVotes(t *testing.T) {
	endorsed, rerun := TallyVotes([]catalog.VoteOutcome{catalog.VoteEndorsed, catalog.VoteEndorsed})
	if !endorsed || rerun {
		t.Fatal("all endorsements must win the ballot")
	}

	endorsed, rerun = TallyVotes([]catalog.VoteOutcome{catalog.VoteEndorsed, catalog.VoteRerun})
	if endorsed || !rerun {
		t.Fatal("a rerun request must defeat the ballot")
	}

	endorsed, rerun = TallyVotes([]catalog.VoteOutcome{catalog.VoteRefused})
	if endorsed || rerun {
		t.Fatal("a refusal defeats the ballot without rerun")
	}

	endorsed, rerun = TallyVotes(nil)
	if !endorsed || rerun {
		t.Fatal("no reachable siblings means the candidate stands unopposed")
	}
}
