package nodeops

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/command"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
)

// ClusterShow renders the cluster's node table with live reachability.
func ClusterShow(ctx context.Context, cfg *config.Config, w io.Writer) error {
	c, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer c.Close(context.Background())

	records, err := catalog.New(c).GetAllNodeRecords(ctx)
	if err != nil {
		return Exitf(ExitNodeStatus, err)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tName\tRole\tStatus\tUpstream\tLocation\tPriority")
	for _, r := range records {
		status := "unreachable"
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if pc, err := conn.Open(probeCtx, r.Conninfo); err == nil {
			if inRecovery, err := catalog.New(pc).IsInRecovery(probeCtx); err == nil {
				if inRecovery {
					status = "running (standby)"
				} else {
					status = "running (primary)"
				}
			} else {
				status = "running"
			}
			_ = pc.Close(probeCtx)
		}
		cancel()

		if !r.Active {
			status = "! " + status + " (inactive)"
		}

		upstream := "-"
		if r.UpstreamNodeID != catalog.UnknownNodeID {
			upstream = fmt.Sprintf("%d", r.UpstreamNodeID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.NodeID, r.NodeName, r.Type, status, upstream, r.Location, r.Priority)
	}
	return tw.Flush()
}

// ClusterEvent prints the events table, newest first.
func ClusterEvent(ctx context.Context, cfg *config.Config, w io.Writer, nodeID int, eventType string, limit int, all bool) error {
	c, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer c.Close(context.Background())

	if all {
		limit = 0
	} else if limit <= 0 {
		limit = 20
	}

	evs, err := catalog.New(c).GetEvents(ctx, nodeID, eventType, limit)
	if err != nil {
		return Exitf(ExitNodeStatus, err)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "Node ID\tEvent\tOK\tTimestamp\tDetails")
	for _, e := range evs {
		ok := "no"
		if e.Successful {
			ok = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			e.NodeID, e.EventType, ok, e.Timestamp.Format("2006-01-02 15:04:05"), e.Details)
	}
	return tw.Flush()
}

// ClusterCleanup prunes the monitoring history, keeping the given window.
func ClusterCleanup(ctx context.Context, cfg *config.Config, w io.Writer, keep time.Duration) error {
	c, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer c.Close(context.Background())

	n, err := catalog.New(c).PurgeMonitoringHistory(ctx, keep)
	if err != nil {
		return Exitf(ExitNodeStatus, err)
	}
	fmt.Fprintf(w, "%d monitoring history rows removed\n", n)
	return nil
}

// MatrixCell is one entry of the connectivity matrix: can `From` reach
// `To`'s database?
type MatrixCell struct {
	From, To  int
	Reachable bool
}

// ClusterMatrix probes connectivity from this node to every registered
// node.
func ClusterMatrix(ctx context.Context, cfg *config.Config, w io.Writer) error {
	c, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer c.Close(context.Background())

	records, err := catalog.New(c).GetAllNodeRecords(ctx)
	if err != nil {
		return Exitf(ExitNodeStatus, err)
	}

	cells := probeRow(ctx, cfg.NodeID, records)
	renderMatrix(w, []int{cfg.NodeID}, records, cells)
	return nil
}

// ClusterCrosscheck assembles the full n×n matrix by asking every node for
// its own row over SSH; unreachable rows render as unknown.
func ClusterCrosscheck(ctx context.Context, cfg *config.Config, w io.Writer) error {
	c, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer c.Close(context.Background())

	records, err := catalog.New(c).GetAllNodeRecords(ctx)
	if err != nil {
		return Exitf(ExitNodeStatus, err)
	}

	var cells []MatrixCell
	fromIDs := lo.Map(records, func(r catalog.NodeRecord, _ int) int { return r.NodeID })

	for _, from := range records {
		if from.NodeID == cfg.NodeID {
			cells = append(cells, probeRow(ctx, cfg.NodeID, records)...)
			continue
		}
		// Without SSH credentials only the local row can be produced.
		if cfg.SSHUser == "" {
			continue
		}
		cells = append(cells, remoteRow(cfg, from, records)...)
	}

	renderMatrix(w, fromIDs, records, cells)
	return nil
}

func probeRow(ctx context.Context, fromID int, records []catalog.NodeRecord) []MatrixCell {
	cells := make([]MatrixCell, 0, len(records))
	for _, to := range records {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pc, err := conn.Open(probeCtx, to.Conninfo)
		if err == nil {
			_ = pc.Close(probeCtx)
		}
		cancel()
		cells = append(cells, MatrixCell{From: fromID, To: to.NodeID, Reachable: err == nil})
	}
	return cells
}

func remoteRow(cfg *config.Config, from catalog.NodeRecord, records []catalog.NodeRecord) []MatrixCell {
	host, err := hostFromConninfo(from.Conninfo)
	if err != nil {
		return nil
	}
	ssh := command.SSHConfig{
		Host: host, Port: cfg.SSHPort, User: cfg.SSHUser, Password: cfg.SSHPassword,
	}
	res, err := command.Remote(ssh, remoteRepmgr(from.ConfigFile, "cluster matrix --csv"))
	if err != nil {
		return nil
	}
	return parseMatrixCSV(res.Output)
}

// RenderMatrixCSV prints cells as from,to,reachable triples for the
// crosscheck transport.
func RenderMatrixCSV(w io.Writer, cells []MatrixCell) {
	for _, c := range cells {
		reachable := 0
		if c.Reachable {
			reachable = 1
		}
		fmt.Fprintf(w, "%d,%d,%d\n", c.From, c.To, reachable)
	}
}

func parseMatrixCSV(output string) []MatrixCell {
	var cells []MatrixCell
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		var from, to, reachable int
		if _, err := fmt.Sscanf(strings.TrimSpace(line), "%d,%d,%d", &from, &to, &reachable); err == nil {
			cells = append(cells, MatrixCell{From: from, To: to, Reachable: reachable == 1})
		}
	}
	return cells
}

func renderMatrix(w io.Writer, fromIDs []int, records []catalog.NodeRecord, cells []MatrixCell) {
	index := lo.SliceToMap(cells, func(c MatrixCell) (string, bool) {
		return fmt.Sprintf("%d/%d", c.From, c.To), c.Reachable
	})

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	header := "From/To"
	for _, r := range records {
		header += fmt.Sprintf("\t%d", r.NodeID)
	}
	fmt.Fprintln(tw, header)

	for _, from := range fromIDs {
		row := fmt.Sprintf("%d", from)
		for _, to := range records {
			mark := "?"
			if reachable, ok := index[fmt.Sprintf("%d/%d", from, to.NodeID)]; ok {
				if reachable {
					mark = "*"
				} else {
					mark = "x"
				}
			}
			row += "\t" + mark
		}
		fmt.Fprintln(tw, row)
	}
	_ = tw.Flush()
}
