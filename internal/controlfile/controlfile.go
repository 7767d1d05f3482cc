package controlfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DBState is the database-cluster state recorded in the control file.
type DBState uint32

const (
	StateStartup DBState = iota
	StateShutdowned
	StateShutdownedInRecovery
	StateShutdowning
	StateInCrashRecovery
	StateInArchiveRecovery
	StateInProduction
)

func (s DBState) String() string {
	switch s {
	case StateStartup:
		return "starting up"
	case StateShutdowned:
		return "shutdowned"
	case StateShutdownedInRecovery:
		return "shutdowned in recovery"
	case StateShutdowning:
		return "shutdowning"
	case StateInCrashRecovery:
		return "in crash recovery"
	case StateInArchiveRecovery:
		return "in archive recovery"
	case StateInProduction:
		return "in production"
	default:
		return "unrecognized state"
	}
}

// CleanlyShutDown reports whether the state allows attaching the data
// directory without replay.
func (s DBState) CleanlyShutDown() bool {
	return s == StateShutdowned || s == StateShutdownedInRecovery
}

// ControlFileData is the decoded, version-independent view of the control
// file. Fields absent from older layouts stay at their zero values.
type ControlFileData struct {
	Major                  int
	SystemIdentifier       uint64
	State                  DBState
	LatestCheckpoint       uint64
	TimelineID             uint32
	DataChecksumVersion    uint32
	NextXID                uint64
	NextMultiXID           uint64
	MinRecoveryPoint       uint64
	MinRecoveryEndTimeline uint32
}

// ControlFilePath is the engine's control-file location below a data
// directory.
func ControlFilePath(dataDir string) string {
	return filepath.Join(dataDir, "global", "ux_control")
}

// majorForControlVersion maps the on-disk layout tag onto an engine major.
// The engine writes major*100; the four supported layouts are fixed and
// field offsets must not be re-ordered.
func majorForControlVersion(v uint32) (int, bool) {
	switch v {
	case 700, 800, 900, 1000:
		return int(v / 100), true
	default:
		return 0, false
	}
}

// Read parses the control file below dataDir.
func Read(dataDir string) (*ControlFileData, error) {
	return ReadFile(ControlFilePath(dataDir))
}

// ReadFile parses a control file at an explicit path.
func ReadFile(path string) (*ControlFileData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read control file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a raw control-file image. The layout is native-endian; the
// file is always read on the machine that wrote it.
func Parse(raw []byte) (*ControlFileData, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("control file too short: %d bytes", len(raw))
	}

	r := bytes.NewReader(raw)
	var version, pad uint32
	if err := readFields(r, &version, &pad); err != nil {
		return nil, err
	}

	major, ok := majorForControlVersion(version)
	if !ok {
		return nil, fmt.Errorf("unsupported control file version %d", version)
	}

	d := &ControlFileData{Major: major}
	var state uint32

	switch major {
	case 7, 8:
		var xid, mxid uint32
		if err := readFields(r, &d.SystemIdentifier, &state, &pad,
			&d.LatestCheckpoint, &d.TimelineID, &d.DataChecksumVersion,
			&xid, &mxid); err != nil {
			return nil, err
		}
		d.NextXID = uint64(xid)
		d.NextMultiXID = uint64(mxid)
		if major == 8 {
			if err := readFields(r, &d.MinRecoveryPoint,
				&d.MinRecoveryEndTimeline, &pad); err != nil {
				return nil, err
			}
		}
	case 9, 10:
		if err := readFields(r, &d.SystemIdentifier, &state, &pad,
			&d.LatestCheckpoint, &d.TimelineID, &d.DataChecksumVersion,
			&d.NextXID, &d.NextMultiXID,
			&d.MinRecoveryPoint, &d.MinRecoveryEndTimeline, &pad); err != nil {
			return nil, err
		}
		if major == 10 {
			var checkpointTime uint64
			if err := readFields(r, &checkpointTime); err != nil {
				return nil, err
			}
		}
	}

	if state > uint32(StateInProduction) {
		return nil, fmt.Errorf("control file reports unknown database state %d", state)
	}
	d.State = DBState(state)
	return d, nil
}

func readFields(r io.Reader, fields ...any) error {
	for _, f := range fields {
		if err := binary.Read(r, binary.NativeEndian, f); err != nil {
			return fmt.Errorf("control file truncated: %w", err)
		}
	}
	return nil
}
