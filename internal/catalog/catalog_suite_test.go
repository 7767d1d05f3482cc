package catalog_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
)

// Runs against a disposable database carrying the repmgr schema. Skipped
// unless REPMGR_TEST_DATABASE_URL is set.
type Suite struct {
	suite.Suite
	pool *pgxpool.Pool
	q    *catalog.Queries
}

func Test_RunSuite(t *testing.T) {
	if os.Getenv("REPMGR_TEST_DATABASE_URL") == "" {
		t.Skip("set REPMGR_TEST_DATABASE_URL to run catalog integration tests")
	}
	suite.Run(t, &Suite{})
}

func (s *Suite) SetupSuite() {
	pool, err := pgxpool.New(context.Background(), os.Getenv("REPMGR_TEST_DATABASE_URL"))
	s.Require().NoError(err)
	s.pool = pool
	s.q = catalog.New(pool)
}

func (s *Suite) SetupTest() {
	_, err := s.pool.Exec(context.Background(),
		`TRUNCATE repmgr.nodes, repmgr.events, repmgr.monitoring_history, repmgr.voting_term`)
	s.Require().NoError(err)
}

func (s *Suite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Suite) ctx() context.Context {
	return context.Background()
}

func (s *Suite) TestNodeRecordRoundTrip() {
	in := catalog.NodeRecord{
		NodeID:         3,
		Type:           catalog.NodeStandby,
		UpstreamNodeID: 1,
		NodeName:       "node3",
		Conninfo:       "host=node3 dbname=repmgr user=repmgr",
		ReplUser:       "repmgr",
		SlotName:       catalog.SlotNameForNode(3),
		Location:       "dc1",
		Priority:       100,
		Active:         true,
		ConfigFile:     "/etc/uxsino/uxsino.conf",
	}
	s.Require().NoError(s.q.CreateNodeRecord(s.ctx(), in))

	out, status, err := s.q.GetNodeRecord(s.ctx(), 3)
	s.Require().NoError(err)
	s.Require().Equal(catalog.StatusFound, status)
	s.Equal(in, out)
}

func (s *Suite) TestGetNodeRecordNotFound() {
	_, status, err := s.q.GetNodeRecord(s.ctx(), 42)
	s.Require().NoError(err)
	s.Equal(catalog.StatusNotFound, status)
}

func (s *Suite) TestSetPrimaryKeepsSingleActivePrimary() {
	for id := 1; id <= 3; id++ {
		rec := catalog.NodeRecord{
			NodeID: id, Type: catalog.NodeStandby, UpstreamNodeID: 1,
			NodeName: "node" + string(rune('0'+id)), Conninfo: "host=x",
			ReplUser: "repmgr", Priority: 100, Active: true,
		}
		if id == 1 {
			rec.Type = catalog.NodePrimary
			rec.UpstreamNodeID = 0
		}
		s.Require().NoError(s.q.CreateNodeRecord(s.ctx(), rec))
	}

	s.Require().NoError(catalog.UpdateNodeRecordSetPrimary(s.ctx(), s.pool, 2))

	var activePrimaries int
	err := s.pool.QueryRow(s.ctx(),
		`SELECT count(*) FROM repmgr.nodes WHERE type = 'primary' AND active`).
		Scan(&activePrimaries)
	s.Require().NoError(err)
	s.Equal(1, activePrimaries)

	rec, status, err := s.q.GetNodeRecord(s.ctx(), 2)
	s.Require().NoError(err)
	s.Require().Equal(catalog.StatusFound, status)
	s.Equal(catalog.NodePrimary, rec.Type)
	s.True(rec.Active)
	s.Equal(0, rec.UpstreamNodeID)
}

func (s *Suite) TestVotingTermIsMonotonic() {
	s.Require().NoError(s.q.InitializeVotingTerm(s.ctx()))

	before, status, err := s.q.GetCurrentTerm(s.ctx())
	s.Require().NoError(err)
	s.Require().Equal(catalog.StatusFound, status)

	after, err := s.q.IncrementCurrentTerm(s.ctx())
	s.Require().NoError(err)
	s.Greater(after, before)

	again, err := s.q.IncrementCurrentTerm(s.ctx())
	s.Require().NoError(err)
	s.Greater(again, after)
}

func (s *Suite) TestEventsAreAppendOnly() {
	rec := catalog.NodeRecord{
		NodeID: 1, Type: catalog.NodePrimary, NodeName: "node1",
		Conninfo: "host=x", ReplUser: "repmgr", Priority: 100, Active: true,
	}
	s.Require().NoError(s.q.CreateNodeRecord(s.ctx(), rec))

	ev, err := s.q.RecordEvent(s.ctx(), 1, "cluster_created", true, "")
	s.Require().NoError(err)
	s.False(ev.Timestamp.IsZero())

	events, err := s.q.GetEvents(s.ctx(), 1, "", 0)
	s.Require().NoError(err)
	s.Len(events, 1)
	s.Equal("cluster_created", events[0].EventType)
}
