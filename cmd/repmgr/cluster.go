package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/nodeops"
)

func clusterCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "cluster", Short: "Cluster-wide operations"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show all registered nodes and their live status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.ClusterShow(cmd.Context(), rt.cfg, os.Stdout)
		},
	}

	var (
		limit     int
		all       bool
		nodeID    int
		eventType string
	)
	event := &cobra.Command{
		Use:   "event",
		Short: "Show the cluster event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.ClusterEvent(cmd.Context(), rt.cfg, os.Stdout, nodeID, eventType, limit, all)
		},
	}
	event.Flags().IntVar(&limit, "limit", 20, "number of events to show")
	event.Flags().BoolVar(&all, "all", false, "show all events")
	event.Flags().IntVar(&nodeID, "node-id", 0, "filter by node id")
	event.Flags().StringVar(&eventType, "event", "", "filter by event type")

	var keepDays int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune the monitoring history",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.ClusterCleanup(cmd.Context(), rt.cfg, os.Stdout, keepHistoryDays(keepDays))
		},
	}
	cleanup.Flags().IntVar(&keepDays, "keep-history", 0, "days of history to keep (0 removes everything)")

	var matrixCSV bool
	matrix := &cobra.Command{
		Use:   "matrix",
		Short: "Show connectivity from this node to every other node",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if matrixCSV {
				return runMatrixCSV(cmd.Context(), rt)
			}
			return nodeops.ClusterMatrix(cmd.Context(), rt.cfg, os.Stdout)
		},
	}
	matrix.Flags().BoolVar(&matrixCSV, "csv", false, "CSV output for crosscheck assembly")

	crosscheck := &cobra.Command{
		Use:   "crosscheck",
		Short: "Assemble the full node-to-node connectivity matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.ClusterCrosscheck(cmd.Context(), rt.cfg, os.Stdout)
		},
	}

	cmd.AddCommand(show, event, cleanup, matrix, crosscheck)
	return cmd
}

// runMatrixCSV emits this node's connectivity row as CSV, the transport
// format crosscheck collects over SSH.
func runMatrixCSV(ctx context.Context, rt *runtime) error {
	c, err := conn.Open(ctx, rt.cfg.Conninfo)
	if err != nil {
		return nodeops.Exitf(nodeops.ExitDBConn, err)
	}
	defer c.Close(context.Background())

	records, err := catalog.New(c).GetAllNodeRecords(ctx)
	if err != nil {
		return nodeops.Exitf(nodeops.ExitNodeStatus, err)
	}

	var cells []nodeops.MatrixCell
	for _, to := range records {
		pc, err := conn.Open(ctx, to.Conninfo)
		if err == nil {
			_ = pc.Close(ctx)
		}
		cells = append(cells, nodeops.MatrixCell{
			From: rt.cfg.NodeID, To: to.NodeID, Reachable: err == nil,
		})
	}
	nodeops.RenderMatrixCSV(os.Stdout, cells)
	return nil
}

func serviceCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "service", Short: "repmgrd daemon control"}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status on every node",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return daemonStatus(cmd.Context(), rt)
		},
	}

	pause := &cobra.Command{
		Use:   "pause",
		Short: "Pause monitoring on every node",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return daemonPause(cmd.Context(), rt, true)
		},
	}

	unpause := &cobra.Command{
		Use:   "unpause",
		Short: "Resume monitoring on every node",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return daemonPause(cmd.Context(), rt, false)
		},
	}

	cmd.AddCommand(status, pause, unpause)
	return cmd
}

func daemonStatus(ctx context.Context, rt *runtime) error {
	c, err := conn.Open(ctx, rt.cfg.Conninfo)
	if err != nil {
		return nodeops.Exitf(nodeops.ExitDBConn, err)
	}
	defer c.Close(context.Background())

	records, err := catalog.New(c).GetAllNodeRecords(ctx)
	if err != nil {
		return nodeops.Exitf(nodeops.ExitNodeStatus, err)
	}

	for _, r := range records {
		nc, err := conn.Open(ctx, r.Conninfo)
		if err != nil {
			fmt.Printf("node %d (%s): unreachable\n", r.NodeID, r.NodeName)
			continue
		}
		q := catalog.New(nc)
		running, _ := q.RepmgrdIsRunning(ctx)
		paused, _ := q.RepmgrdIsPaused(ctx)
		pid, hasPID, _ := q.GetRepmgrdPID(ctx)
		_ = nc.Close(ctx)

		line := fmt.Sprintf("node %d (%s): running=%v paused=%v", r.NodeID, r.NodeName, running, paused)
		if hasPID {
			line += fmt.Sprintf(" pid=%d", pid)
		}
		fmt.Println(line)
	}
	return nil
}

func daemonPause(ctx context.Context, rt *runtime, pause bool) error {
	c, err := conn.Open(ctx, rt.cfg.Conninfo)
	if err != nil {
		return nodeops.Exitf(nodeops.ExitDBConn, err)
	}
	defer c.Close(context.Background())

	records, err := catalog.New(c).GetAllNodeRecords(ctx)
	if err != nil {
		return nodeops.Exitf(nodeops.ExitNodeStatus, err)
	}

	verb := "paused"
	if !pause {
		verb = "unpaused"
	}
	for _, r := range records {
		nc, err := conn.Open(ctx, r.Conninfo)
		if err != nil {
			fmt.Printf("node %d (%s): unreachable\n", r.NodeID, r.NodeName)
			continue
		}
		if err := catalog.New(nc).RepmgrdPause(ctx, pause); err != nil {
			fmt.Printf("node %d (%s): %v\n", r.NodeID, r.NodeName, err)
		} else {
			fmt.Printf("node %d (%s): %s\n", r.NodeID, r.NodeName, verb)
		}
		_ = nc.Close(ctx)
	}
	return nil
}
