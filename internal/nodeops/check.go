package nodeops

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/controlfile"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
)

// CheckStatus is a nagios-compatible severity.
type CheckStatus int

const (
	CheckOK CheckStatus = iota
	CheckWarning
	CheckCritical
	CheckUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case CheckOK:
		return "OK"
	case CheckWarning:
		return "WARNING"
	case CheckCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// CheckResult is the outcome of one sub-check.
type CheckResult struct {
	Name     string
	Status   CheckStatus
	Detail   string
	PerfData string // nagios perfdata fragment, "" when not applicable
}

// CheckFormat selects the output rendering.
type CheckFormat string

const (
	FormatText    CheckFormat = "text"
	FormatCSV     CheckFormat = "csv"
	FormatNagios  CheckFormat = "nagios"
	FormatOptions CheckFormat = "optformat"
)

// ArchiveReadyCheck grades the count of files waiting to be archived
// against the configured thresholds. A negative count means the directory
// was unreadable.
func ArchiveReadyCheck(count, warning, critical int) CheckResult {
	r := CheckResult{Name: "archive-ready"}
	switch {
	case count < 0:
		r.Status = CheckUnknown
		r.Detail = "archive status directory not readable"
		return r
	case critical > 0 && count >= critical:
		r.Status = CheckCritical
	case warning > 0 && count >= warning:
		r.Status = CheckWarning
	default:
		r.Status = CheckOK
	}
	r.Detail = fmt.Sprintf("%d pending archive ready files", count)
	r.PerfData = fmt.Sprintf("files=%d;%d;%d", count, warning, critical)
	return r
}

// ReplicationLagCheck grades replay lag against the thresholds.
func ReplicationLagCheck(lag, warning, critical time.Duration) CheckResult {
	r := CheckResult{Name: "replication-lag"}
	secs := int64(lag / time.Second)
	switch {
	case lag < 0:
		r.Status = CheckUnknown
		r.Detail = "node is not replicating"
		return r
	case critical > 0 && lag >= critical:
		r.Status = CheckCritical
	case warning > 0 && lag >= warning:
		r.Status = CheckWarning
	default:
		r.Status = CheckOK
	}
	r.Detail = fmt.Sprintf("replication lag is %d seconds", secs)
	r.PerfData = fmt.Sprintf("lag=%d;%d;%d", secs, int64(warning/time.Second), int64(critical/time.Second))
	return r
}

// RoleCheck compares the declared catalog role against the observed
// recovery state.
func RoleCheck(declared catalog.NodeType, inRecovery bool) CheckResult {
	r := CheckResult{Name: "role"}
	switch declared {
	case catalog.NodePrimary:
		if inRecovery {
			r.Status = CheckCritical
			r.Detail = "registered as primary but node is in recovery"
		} else {
			r.Status = CheckOK
			r.Detail = "node is primary"
		}
	case catalog.NodeStandby:
		if !inRecovery {
			r.Status = CheckCritical
			r.Detail = "registered as standby but node is not in recovery"
		} else {
			r.Status = CheckOK
			r.Detail = "node is standby"
		}
	case catalog.NodeWitness:
		r.Status = CheckOK
		r.Detail = "node is witness"
	default:
		r.Status = CheckUnknown
		r.Detail = "node role is not registered"
	}
	return r
}

// DownstreamCheck compares attached walsenders against registered
// downstream nodes.
func DownstreamCheck(attachedNames []string, expected []catalog.NodeRecord) CheckResult {
	r := CheckResult{Name: "downstream"}
	attached := lo.SliceToMap(attachedNames, func(n string) (string, bool) { return n, true })

	missing := lo.FilterMap(expected, func(n catalog.NodeRecord, _ int) (string, bool) {
		if n.Type == catalog.NodeWitness || !n.Active {
			return "", false
		}
		return n.NodeName, !attached[n.NodeName]
	})

	if len(missing) > 0 {
		r.Status = CheckCritical
		r.Detail = fmt.Sprintf("%d of %d downstream nodes not attached (%s)",
			len(missing), len(expected), strings.Join(missing, ", "))
	} else {
		r.Status = CheckOK
		r.Detail = fmt.Sprintf("%d of %d downstream nodes attached", len(expected), len(expected))
	}
	r.PerfData = fmt.Sprintf("attached=%d;expected=%d", len(expected)-len(missing), len(expected))
	return r
}

// UpstreamCheck reports whether this standby is attached to its upstream.
func UpstreamCheck(attached bool, upstreamName string) CheckResult {
	r := CheckResult{Name: "upstream"}
	if attached {
		r.Status = CheckOK
		r.Detail = fmt.Sprintf("node attached to upstream %q", upstreamName)
	} else {
		r.Status = CheckCritical
		r.Detail = fmt.Sprintf("node not attached to upstream %q", upstreamName)
	}
	return r
}

// SlotsCheck grades inactive physical slots; slots that do not exist at all
// are not detected.
func SlotsCheck(inactive []string) CheckResult {
	r := CheckResult{Name: "slots"}
	if len(inactive) == 0 {
		r.Status = CheckOK
		r.Detail = "no inactive slots"
	} else {
		r.Status = CheckCritical
		r.Detail = fmt.Sprintf("%d inactive slots (%s)", len(inactive), strings.Join(inactive, ", "))
	}
	r.PerfData = fmt.Sprintf("inactive=%d", len(inactive))
	return r
}

// DataDirectoryCheck compares the configured path against the engine's
// data_directory setting.
func DataDirectoryCheck(configured, reported string) CheckResult {
	r := CheckResult{Name: "data-directory-config"}
	if configured == reported {
		r.Status = CheckOK
		r.Detail = fmt.Sprintf("configured data directory matches %q", reported)
	} else {
		r.Status = CheckCritical
		r.Detail = fmt.Sprintf("configured %q but engine reports %q", configured, reported)
	}
	return r
}

// RepmgrdCheck reports daemon liveness.
func RepmgrdCheck(running bool) CheckResult {
	r := CheckResult{Name: "repmgrd"}
	if running {
		r.Status = CheckOK
		r.Detail = "repmgrd is running"
	} else {
		r.Status = CheckCritical
		r.Detail = "repmgrd is not running"
	}
	return r
}

// WorstStatus folds results into the severity the process exits with.
func WorstStatus(results []CheckResult) CheckStatus {
	worst := CheckOK
	for _, r := range results {
		if r.Status == CheckUnknown && worst == CheckOK {
			worst = CheckUnknown
		}
		if r.Status == CheckWarning && (worst == CheckOK || worst == CheckUnknown) {
			worst = CheckWarning
		}
		if r.Status == CheckCritical {
			worst = CheckCritical
		}
	}
	return worst
}

// RenderChecks writes results in the requested format.
func RenderChecks(w io.Writer, results []CheckResult, format CheckFormat) {
	switch format {
	case FormatCSV:
		for _, r := range results {
			fmt.Fprintf(w, "%s,%s,%q\n", r.Name, r.Status, r.Detail)
		}
	case FormatNagios:
		status := WorstStatus(results)
		details := lo.Map(results, func(r CheckResult, _ int) string { return r.Detail })
		perf := lo.FilterMap(results, func(r CheckResult, _ int) (string, bool) {
			return r.PerfData, r.PerfData != ""
		})
		line := fmt.Sprintf("UXREPMGR %s - %s", status, strings.Join(details, "; "))
		if len(perf) > 0 {
			line += " | " + strings.Join(perf, " ")
		}
		fmt.Fprintln(w, line)
	case FormatOptions:
		for _, r := range results {
			fmt.Fprintf(w, "--%s=%s\n", r.Name, r.Status)
		}
	default:
		for _, r := range results {
			fmt.Fprintf(w, "%s: %s (%s)\n", r.Name, r.Status, r.Detail)
		}
	}
}

// CheckSelection names the sub-checks to run; empty runs them all.
type CheckSelection struct {
	ArchiveReady  bool
	Downstream    bool
	Upstream      bool
	ReplicationLag bool
	Role          bool
	Slots         bool
	DataDirectory bool
	Repmgrd       bool
}

func (sel CheckSelection) any() bool {
	return sel.ArchiveReady || sel.Downstream || sel.Upstream || sel.ReplicationLag ||
		sel.Role || sel.Slots || sel.DataDirectory || sel.Repmgrd
}

// NodeCheck runs the selected sub-checks and renders them. The returned
// status is the worst individual result.
func NodeCheck(ctx context.Context, cfg *config.Config, sel CheckSelection, format CheckFormat, w io.Writer) (CheckStatus, error) {
	if !sel.any() {
		sel = CheckSelection{
			ArchiveReady: true, Downstream: true, Upstream: true, ReplicationLag: true,
			Role: true, Slots: true, DataDirectory: true, Repmgrd: true,
		}
	}

	c, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return CheckCritical, Exitf(ExitDBConn, err)
	}
	defer c.Close(context.Background())
	q := catalog.New(c)

	rec, status, err := q.GetNodeRecord(ctx, cfg.NodeID)
	if err != nil || status != catalog.StatusFound {
		return CheckCritical, Exitf(ExitNodeStatus, fmt.Errorf("node %d is not registered", cfg.NodeID))
	}

	info, err := q.GetReplicationInfo(ctx)
	if err != nil {
		return CheckCritical, Exitf(ExitNodeStatus, err)
	}

	var results []CheckResult

	if sel.Role {
		results = append(results, RoleCheck(rec.Type, info.InRecovery))
	}
	if sel.ArchiveReady {
		count := controlfile.ArchiveReadyCount(cfg.DataDirectory)
		results = append(results, ArchiveReadyCheck(count, cfg.ArchiveReadyWarning, cfg.ArchiveReadyCritical))
	}
	if sel.ReplicationLag && rec.Type == catalog.NodeStandby {
		lag := info.ReplicationLag
		if !info.InRecovery {
			lag = -1
		}
		results = append(results, ReplicationLagCheck(lag, cfg.ReplicationLagWarning, cfg.ReplicationLagCritical))
	}
	if sel.Downstream {
		downstream, err := q.GetDownstreamNodeRecords(ctx, rec.NodeID)
		if err == nil {
			attached := attachedApplicationNames(ctx, q)
			results = append(results, DownstreamCheck(attached, downstream))
		}
	}
	if sel.Upstream && rec.Type == catalog.NodeStandby && rec.UpstreamNodeID != catalog.UnknownNodeID {
		if upstream, st, err := q.GetNodeRecord(ctx, rec.UpstreamNodeID); err == nil && st == catalog.StatusFound {
			if uc, err := conn.Open(ctx, upstream.Conninfo); err == nil {
				attached, _ := catalog.New(uc).NodeAttached(ctx, rec.NodeName)
				_ = uc.Close(ctx)
				results = append(results, UpstreamCheck(attached, upstream.NodeName))
			} else {
				results = append(results, UpstreamCheck(false, upstream.NodeName))
			}
		}
	}
	if sel.Slots && rec.Type == catalog.NodePrimary {
		inactive, err := q.GetInactiveSlots(ctx)
		if err == nil {
			results = append(results, SlotsCheck(inactive))
		}
	}
	if sel.DataDirectory {
		reported, err := q.DataDirectorySetting(ctx)
		if err == nil {
			results = append(results, DataDirectoryCheck(cfg.DataDirectory, reported))
		}
	}
	if sel.Repmgrd {
		running, _ := q.RepmgrdIsRunning(ctx)
		results = append(results, RepmgrdCheck(running))
	}

	RenderChecks(w, results, format)
	return WorstStatus(results), nil
}

func attachedApplicationNames(ctx context.Context, q *catalog.Queries) []string {
	rows, err := q.AttachedStandbyNames(ctx)
	if err != nil {
		return nil
	}
	return rows
}
