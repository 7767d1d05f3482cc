package controlfile

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildImage assembles a control-file image the way the engine lays it out
// for the given major, acting as the reference encoder for the parser.
func buildImage(t *testing.T, major int, d ControlFileData) []byte {
	t.Helper()
	var b bytes.Buffer
	w := func(fields ...any) {
		for _, f := range fields {
			if err := binary.Write(&b, binary.NativeEndian, f); err != nil {
				t.Fatalf("encode: %v", err)
			}
		}
	}

	w(uint32(major*100), uint32(0))
	w(d.SystemIdentifier, uint32(d.State), uint32(0),
		d.LatestCheckpoint, d.TimelineID, d.DataChecksumVersion)

	switch major {
	case 7:
		w(uint32(d.NextXID), uint32(d.NextMultiXID))
	case 8:
		w(uint32(d.NextXID), uint32(d.NextMultiXID))
		w(d.MinRecoveryPoint, d.MinRecoveryEndTimeline, uint32(0))
	case 9, 10:
		w(d.NextXID, d.NextMultiXID)
		w(d.MinRecoveryPoint, d.MinRecoveryEndTimeline, uint32(0))
		if major == 10 {
			w(uint64(1704164645)) // checkpoint time, ignored by the parser
		}
	}
	return b.Bytes()
}

func referenceData() ControlFileData {
	return ControlFileData{
		SystemIdentifier:       0x62d3b8aa01c2f74e,
		State:                  StateInProduction,
		LatestCheckpoint:       0x2_30000a8,
		TimelineID:             4,
		DataChecksumVersion:    1,
		NextXID:                7312,
		NextMultiXID:           12,
		MinRecoveryPoint:       0x2_3000000,
		MinRecoveryEndTimeline: 4,
	}
}

func TestParse_AllSupportedLayouts(t *testing.T) {
	for _, major := range []int{7, 8, 9, 10} {
		want := referenceData()
		if major == 7 {
			// layout 7 has no minimum-recovery fields
			want.MinRecoveryPoint = 0
			want.MinRecoveryEndTimeline = 0
		}

		got, err := Parse(buildImage(t, major, referenceData()))
		if err != nil {
			t.Fatalf("major %d: %v", major, err)
		}

		if got.Major != major {
			t.Fatalf("major %d: parsed major %d", major, got.Major)
		}
		if got.SystemIdentifier != want.SystemIdentifier {
			t.Fatalf("major %d: system identifier %x", major, got.SystemIdentifier)
		}
		if got.LatestCheckpoint != want.LatestCheckpoint {
			t.Fatalf("major %d: checkpoint %x", major, got.LatestCheckpoint)
		}
		if got.TimelineID != want.TimelineID {
			t.Fatalf("major %d: timeline %d", major, got.TimelineID)
		}
		if got.State != want.State {
			t.Fatalf("major %d: state %v", major, got.State)
		}
		if got.MinRecoveryPoint != want.MinRecoveryPoint {
			t.Fatalf("major %d: min recovery point %x", major, got.MinRecoveryPoint)
		}
	}
}

func TestParse_UnknownMajorRejected(t *testing.T) {
	img := buildImage(t, 9, referenceData())
	binary.NativeEndian.PutUint32(img[0:4], 1100)

	if _, err := Parse(img); err == nil {
		t.Fatal("expected unknown version error")
	}
}

func TestParse_TruncatedFile(t *testing.T) {
	img := buildImage(t, 9, referenceData())
	for _, cut := range []int{0, 4, 11, len(img) - 5} {
		if _, err := Parse(img[:cut]); err == nil {
			t.Fatalf("expected error at %d bytes", cut)
		}
	}
}

func TestParse_BadState(t *testing.T) {
	d := referenceData()
	d.State = DBState(99)
	if _, err := Parse(buildImage(t, 9, d)); err == nil {
		t.Fatal("expected unknown state error")
	}
}

func TestDBState_CleanlyShutDown(t *testing.T) {
	if !StateShutdowned.CleanlyShutDown() || !StateShutdownedInRecovery.CleanlyShutDown() {
		t.Fatal("shutdown states must count as clean")
	}
	if StateInProduction.CleanlyShutDown() || StateShutdowning.CleanlyShutDown() {
		t.Fatal("running states must not count as clean")
	}
}

func TestArchiveReadyCount(t *testing.T) {
	dataDir := t.TempDir()
	statusDir := ArchiveStatusDir(dataDir)
	if err := os.MkdirAll(statusDir, 0o755); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{
		"000000010000000000000001.ready",
		"000000010000000000000002.ready",
		"000000010000000000000003.done",
	} {
		if err := os.WriteFile(filepath.Join(statusDir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if n := ArchiveReadyCount(dataDir); n != 2 {
		t.Fatalf("got %d ready files, want 2", n)
	}
}

func TestArchiveReadyCount_MissingDir(t *testing.T) {
	if n := ArchiveReadyCount(t.TempDir()); n != -1 {
		t.Fatalf("missing directory must report -1, got %d", n)
	}
}

func TestIsUxDir(t *testing.T) {
	dir := t.TempDir()
	if IsUxDir(dir) {
		t.Fatal("empty directory must not qualify")
	}

	if err := os.MkdirAll(filepath.Join(dir, "global"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "base"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "UX_VERSION"), []byte("9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "global", "ux_control"), []byte{0}, 0o644); err != nil {
		t.Fatal(err)
	}

	if !IsUxDir(dir) {
		t.Fatal("directory with all markers must qualify")
	}
}
