package controlfile

import (
	"os"
	"path/filepath"
	"strings"
)

// ArchiveStatusDir is the WAL archive-status directory below a data
// directory.
func ArchiveStatusDir(dataDir string) string {
	return filepath.Join(dataDir, "ux_wal", "archive_status")
}

const readySuffix = ".ready"

// ArchiveReadyCount walks the archive-status directory counting files
// waiting to be archived. Returns -1 when the directory cannot be opened or
// does not exist.
func ArchiveReadyCount(dataDir string) int {
	entries, err := os.ReadDir(ArchiveStatusDir(dataDir))
	if err != nil {
		return -1
	}

	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), readySuffix) {
			n++
		}
	}
	return n
}

// IsUxDir reports whether path looks like an engine data directory: the
// version marker, the control file and the base directory must all exist.
func IsUxDir(path string) bool {
	for _, probe := range []string{
		filepath.Join(path, "UX_VERSION"),
		filepath.Join(path, "global", "ux_control"),
		filepath.Join(path, "base"),
	} {
		if _, err := os.Stat(probe); err != nil {
			return false
		}
	}
	return true
}

// StandbySignalPath is the marker file that makes the engine start in
// standby mode.
func StandbySignalPath(dataDir string) string {
	return filepath.Join(dataDir, "standby.signal")
}

// RecoverySignalPath is the marker file for targeted recovery.
func RecoverySignalPath(dataDir string) string {
	return filepath.Join(dataDir, "recovery.signal")
}

// HasStandbySignal reports whether the standby marker is present.
func HasStandbySignal(dataDir string) bool {
	_, err := os.Stat(StandbySignalPath(dataDir))
	return err == nil
}
