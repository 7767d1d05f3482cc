package repmgrd

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSetLocalNodeID_Idempotent(t *testing.T) {
	s := NewNodeState()
	s.SetLocalNodeID(3, "")
	s.SetLocalNodeID(9, "")

	id, ok := s.LocalNodeID()
	if !ok || id != 3 {
		t.Fatalf("subsequent calls must not overwrite: got %d ok=%v", id, ok)
	}
}

func TestSetLocalNodeID_RehydratesPauseFlag(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "repmgrd.state")
	if err := os.WriteFile(stateFile, []byte("3:1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewNodeState()
	s.SetLocalNodeID(3, stateFile)
	if !s.Paused() {
		t.Fatal("pause flag must be recovered from the state file")
	}
}

func TestSetLocalNodeID_MismatchedIDLeavesPauseUnchanged(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "repmgrd.state")
	if err := os.WriteFile(stateFile, []byte("7:1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewNodeState()
	s.SetLocalNodeID(3, stateFile)
	if s.Paused() {
		t.Fatal("mismatched node id must not rehydrate the pause flag")
	}
}

func TestSetPaused_PersistsStateFile(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "repmgrd.state")
	s := NewNodeState()
	s.SetLocalNodeID(5, "")

	if err := s.SetPaused(true, stateFile); err != nil {
		t.Fatal(err)
	}

	id, paused, err := readStateFile(stateFile)
	if err != nil {
		t.Fatal(err)
	}
	if id != 5 || !paused {
		t.Fatalf("state file holds %d:%v, want 5:true", id, paused)
	}
}

func TestReadStateFile_Malformed(t *testing.T) {
	dir := t.TempDir()
	for i, content := range []string{"", "5", "x:1", "5:2", "5:yes"} {
		path := filepath.Join(dir, "state")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, _, err := readStateFile(path); err == nil {
			t.Fatalf("case %d: expected error for %q", i, content)
		}
	}
}

func TestUpstreamLastSeen_SentinelBeforeFirstContact(t *testing.T) {
	s := NewNodeState()
	if got := s.UpstreamLastSeen(); got != -1 {
		t.Fatalf("expected -1 before first contact, got %v", got)
	}

	s.TouchUpstream(1)
	if got := s.UpstreamLastSeen(); got < 0 || got > time.Minute {
		t.Fatalf("unexpected last-seen age %v", got)
	}
	if id, ok := s.UpstreamNodeID(); !ok || id != 1 {
		t.Fatalf("unexpected upstream id %d ok=%v", id, ok)
	}
}

func TestObserveTerm_MonotonicallyFoldsAnnouncements(t *testing.T) {
	s := NewNodeState()
	if got := s.ObserveTerm(5); got != 5 {
		t.Fatalf("got %d", got)
	}
	if got := s.ObserveTerm(3); got != 5 {
		t.Fatalf("lower announcement must not regress the term, got %d", got)
	}
	if got := s.ObserveTerm(9); got != 9 {
		t.Fatalf("got %d", got)
	}
}

func TestFollowRequest_TwoPhaseVisibility(t *testing.T) {
	s := NewNodeState()

	if _, ok := s.FollowRequest(); ok {
		t.Fatal("no request pending initially")
	}

	s.RequestFollow(2)
	candidate, ok := s.FollowRequest()
	if !ok || candidate != 2 {
		t.Fatalf("got %d ok=%v", candidate, ok)
	}

	s.ClearVoting()
	if _, ok := s.FollowRequest(); ok {
		t.Fatal("ClearVoting must clear the follow request")
	}
}
