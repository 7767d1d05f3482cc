package repmgrd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// UnsetNodeID is the sentinel for an unpopulated node-id field.
const UnsetNodeID = 0


// NodeState is the daemon-side mirror of the extension's shared segment:
// one record guarded by one reader-writer lock. Election writers update
// candidate and follow flag together; readers observe both under a single
// acquisition.
type NodeState struct {
	mu sync.RWMutex

	localNodeID int
	daemonPID   int
	pidFile     string
	paused      bool

	upstreamNodeID   int
	upstreamLastSeen time.Time

	votingStatus     bool
	electoralTerm    int64
	candidateNodeID  int
	followNewPrimary bool
}

// NewNodeState returns a state block with every field at its sentinel.
func NewNodeState() *NodeState {
	return &NodeState{}
}

// SetLocalNodeID registers the node id. Idempotent: only the first call
// takes effect. The pause flag is rehydrated from the state file when its
// recorded id matches; a mismatched id leaves the flag unchanged.
func (s *NodeState) SetLocalNodeID(nodeID int, stateFile string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.localNodeID != UnsetNodeID {
		return
	}
	s.localNodeID = nodeID

	if stateFile == "" {
		return
	}
	if id, paused, err := readStateFile(stateFile); err == nil && id == nodeID {
		s.paused = paused
	}
}

// LocalNodeID returns the registered id; ok is false while unset.
func (s *NodeState) LocalNodeID() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localNodeID, s.localNodeID != UnsetNodeID
}

// SetPID registers the daemon PID and its PID-file path.
func (s *NodeState) SetPID(pid int, pidFile string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daemonPID = pid
	s.pidFile = pidFile
}

// ClearPID removes the PID registration on graceful shutdown.
func (s *NodeState) ClearPID() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daemonPID = 0
}

// PID returns the registered daemon PID and PID-file path.
func (s *NodeState) PID() (int, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.daemonPID, s.pidFile
}

// SetPaused flips the pause flag and persists it to the state file so it
// survives an engine restart.
func (s *NodeState) SetPaused(paused bool, stateFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused

	if stateFile == "" || s.localNodeID == UnsetNodeID {
		return nil
	}
	return writeStateFile(stateFile, s.localNodeID, paused)
}

// Paused reports the pause flag.
func (s *NodeState) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// TouchUpstream records a successful upstream contact.
func (s *NodeState) TouchUpstream(upstreamNodeID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreamNodeID = upstreamNodeID
	s.upstreamLastSeen = time.Now()
}

// UpstreamLastSeen returns the time since the upstream was last seen, or -1
// when it has never been recorded. The zero time is the sentinel that
// distinguishes "never" from "genuinely old".
func (s *NodeState) UpstreamLastSeen() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.upstreamLastSeen.IsZero() {
		return -1
	}
	return time.Since(s.upstreamLastSeen)
}

// UpstreamNodeID returns the recorded upstream id; ok false while unset.
func (s *NodeState) UpstreamNodeID() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upstreamNodeID, s.upstreamNodeID != UnsetNodeID
}

// ObserveTerm folds an announced term into the state, returning the term
// now in force. The announced term wins only when strictly greater.
func (s *NodeState) ObserveTerm(term int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if term > s.electoralTerm {
		s.electoralTerm = term
	}
	return s.electoralTerm
}

// ElectoralTerm returns the current term.
func (s *NodeState) ElectoralTerm() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.electoralTerm
}

// RequestFollow is the two-phase transition made visible atomically:
// candidate id and follow flag are written under the same acquisition.
func (s *NodeState) RequestFollow(candidateNodeID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidateNodeID = candidateNodeID
	s.followNewPrimary = true
}

// FollowRequest reads candidate and flag under one acquisition; ok is false
// while no follow request is pending.
func (s *NodeState) FollowRequest() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.followNewPrimary {
		return UnsetNodeID, false
	}
	return s.candidateNodeID, true
}

// SetVoting marks this node as participating in a ballot.
func (s *NodeState) SetVoting(voting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votingStatus = voting
}

// ClearVoting resets voting status, candidate and follow flag together.
func (s *NodeState) ClearVoting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votingStatus = false
	s.candidateNodeID = UnsetNodeID
	s.followNewPrimary = false
}

// State file format: one ASCII line "<node_id>:<0|1>".

func readStateFile(path string) (nodeID int, paused bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}

	idStr, pausedStr, ok := strings.Cut(strings.TrimSpace(string(raw)), ":")
	if !ok {
		return 0, false, fmt.Errorf("malformed state file %q", path)
	}
	nodeID, err = strconv.Atoi(idStr)
	if err != nil {
		return 0, false, fmt.Errorf("malformed node id in state file %q", path)
	}
	switch pausedStr {
	case "0":
		return nodeID, false, nil
	case "1":
		return nodeID, true, nil
	default:
		return 0, false, fmt.Errorf("malformed pause flag in state file %q", path)
	}
}

func writeStateFile(path string, nodeID int, paused bool) error {
	flag := "0"
	if paused {
		flag = "1"
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d:%s\n", nodeID, flag)), 0o644)
}
