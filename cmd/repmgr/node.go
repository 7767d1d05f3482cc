package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/uxsinodb/ux-repmgr/internal/nodeops"
	"github.com/uxsinodb/ux-repmgr/internal/vip"
)

func nodeCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "Single-node operations"}
	cmd.AddCommand(
		nodeStatusCommand(),
		nodeCheckCommand(),
		nodeServiceCommand(),
		nodeRejoinCommand(),
		nodeControlCommand(),
		nodeStartupCommand(),
		nodeVIPCommand(),
	)
	return cmd
}

func nodeStatusCommand() *cobra.Command {
	var isShutdownCleanly bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show this node's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if isShutdownCleanly {
				// Machine-parseable, consumed over SSH during switchover;
				// must work without a database session.
				token, checkpoint := nodeops.ShutdownStatus(rt.cfg.DataDirectory)
				fmt.Println(nodeops.FormatShutdownStatus(token, checkpoint))
				return nil
			}
			return nodeops.NodeStatus(cmd.Context(), rt.cfg, rt.logger, os.Stdout)
		},
	}
	cmd.Flags().BoolVar(&isShutdownCleanly, "is-shutdown-cleanly", false, "report the data directory's shutdown state")
	return cmd
}

func nodeCheckCommand() *cobra.Command {
	var (
		sel     nodeops.CheckSelection
		csv     bool
		nagios  bool
		optform bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run health checks against this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			format := nodeops.FormatText
			switch {
			case csv:
				format = nodeops.FormatCSV
			case nagios:
				format = nodeops.FormatNagios
			case optform:
				format = nodeops.FormatOptions
			}

			status, err := nodeops.NodeCheck(cmd.Context(), rt.cfg, sel, format, os.Stdout)
			if err != nil {
				return err
			}
			if status != nodeops.CheckOK {
				os.Exit(int(status))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&sel.ArchiveReady, "archive-ready", false, "check files waiting to be archived")
	cmd.Flags().BoolVar(&sel.Downstream, "downstream", false, "check downstream attachment")
	cmd.Flags().BoolVar(&sel.Upstream, "upstream", false, "check upstream attachment")
	cmd.Flags().BoolVar(&sel.ReplicationLag, "replication-lag", false, "check replication lag")
	cmd.Flags().BoolVar(&sel.Role, "role", false, "check declared vs observed role")
	cmd.Flags().BoolVar(&sel.Slots, "slots", false, "check replication slots")
	cmd.Flags().BoolVar(&sel.DataDirectory, "data-directory-config", false, "check the configured data directory path")
	cmd.Flags().BoolVar(&sel.Repmgrd, "repmgrd", false, "check daemon liveness")
	cmd.Flags().BoolVar(&csv, "csv", false, "CSV output")
	cmd.Flags().BoolVar(&nagios, "nagios", false, "nagios plugin output")
	cmd.Flags().BoolVar(&optform, "optformat", false, "option-style output for programmatic consumption")
	return cmd
}

func nodeServiceCommand() *cobra.Command {
	var (
		action     string
		checkpoint bool
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Control the database engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.NodeService(cmd.Context(), rt.cfg, rt.logger,
				nodeops.ServiceAction(action), checkpoint, dryRun)
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "start | stop | restart | reload | promote")
	cmd.Flags().BoolVar(&checkpoint, "checkpoint", false, "issue CHECKPOINT before stop/restart")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the command instead of running it")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func nodeRejoinCommand() *cobra.Command {
	var opts nodeops.RejoinOptions

	cmd := &cobra.Command{
		Use:   "rejoin",
		Short: "Return a former primary to the cluster as a standby",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.NodeRejoin(cmd.Context(), rt.cfg, rt.logger, rt.recorder, opts)
		},
	}
	cmd.Flags().StringVar(&opts.UpstreamConninfo, "upstream-conninfo", "", "conninfo of the node to rejoin below")
	cmd.Flags().BoolVar(&opts.ForceRewind, "force-rewind", false, "run block-level resynchronisation if needed")
	cmd.Flags().BoolVar(&opts.NoWait, "no-wait", false, "do not wait for the node to attach")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "check prerequisites only")
	_ = cmd.MarkFlagRequired("upstream-conninfo")
	return cmd
}

func nodeControlCommand() *cobra.Command {
	var (
		disableWalReceiver bool
		enableWalReceiver  bool
	)

	cmd := &cobra.Command{
		Use:   "control",
		Short: "Diagnostic operations on a running standby",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			switch {
			case disableWalReceiver:
				return nodeops.DisableWalReceiver(cmd.Context(), rt.cfg, rt.logger)
			case enableWalReceiver:
				return nodeops.EnableWalReceiver(cmd.Context(), rt.cfg, rt.logger)
			default:
				return fmt.Errorf("specify --disable-wal-receiver or --enable-wal-receiver")
			}
		},
	}
	cmd.Flags().BoolVar(&disableWalReceiver, "disable-wal-receiver", false, "stop the WAL receiver")
	cmd.Flags().BoolVar(&enableWalReceiver, "enable-wal-receiver", false, "restart the WAL receiver")
	return cmd
}

func nodeStartupCommand() *cobra.Command {
	var (
		daemonCommand string
		configWait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "startup",
		Short: "Bring this node up after boot",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.NodeStartup(cmd.Context(), rt.cfg, rt.logger, rt.recorder,
				nodeops.StartupOptions{ConfigWaitTimeout: configWait, DaemonCommand: daemonCommand})
		},
	}
	cmd.Flags().StringVar(&daemonCommand, "daemon-command", "", "command that starts repmgrd")
	cmd.Flags().DurationVar(&configWait, "config-wait", 5*time.Minute, "how long to wait for the engine configuration file")
	return cmd
}

func nodeVIPCommand() *cobra.Command {
	var (
		bind   bool
		unbind bool
	)

	cmd := &cobra.Command{
		Use:    "vip",
		Short:  "Bind or unbind the configured virtual address",
		Hidden: true, // invoked over SSH during switchover
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if rt.cfg.VirtualIP == "" {
				return fmt.Errorf("no virtual_ip configured")
			}
			arbitrator := vip.New(rt.logger, rt.cfg.ArpingCommand, rt.cfg.SudoCommand, rt.cfg.SudoPassword)
			vips := []vip.VIP{{Address: rt.cfg.VirtualIP, Interface: rt.cfg.NetworkCard}}

			switch {
			case bind:
				return arbitrator.Bind(cmd.Context(), vips)
			case unbind:
				return arbitrator.Unbind(cmd.Context(), vips)
			default:
				return fmt.Errorf("specify --bind or --unbind")
			}
		},
	}
	cmd.Flags().BoolVar(&bind, "bind", false, "bind the virtual address")
	cmd.Flags().BoolVar(&unbind, "unbind", false, "unbind the virtual address")
	return cmd
}
