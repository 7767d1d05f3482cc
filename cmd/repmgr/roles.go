package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/nodeops"
)

func primaryCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "primary", Short: "Primary node operations"}

	var force bool
	register := &cobra.Command{
		Use:   "register",
		Short: "Register this node as the cluster primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.PrimaryRegister(cmd.Context(), rt.cfg, rt.logger, rt.recorder, force)
		},
	}
	register.Flags().BoolVar(&force, "force", false, "overwrite an existing registration")

	unregister := &cobra.Command{
		Use:   "unregister",
		Short: "Remove this primary's registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.NodeUnregister(cmd.Context(), rt.cfg, rt.logger, rt.recorder,
				catalog.UnknownNodeID, "primary_unregister")
		},
	}

	cmd.AddCommand(register, unregister)
	return cmd
}

func standbyCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "standby", Short: "Standby node operations"}

	var (
		force          bool
		upstreamNodeID int
		sourceConninfo string
		dryRun         bool
		siblingsFollow bool
	)

	register := &cobra.Command{
		Use:   "register",
		Short: "Register this node as a standby",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.StandbyRegister(cmd.Context(), rt.cfg, rt.logger, rt.recorder,
				upstreamNodeID, force)
		},
	}
	register.Flags().BoolVar(&force, "force", false, "overwrite an existing registration")
	register.Flags().IntVar(&upstreamNodeID, "upstream-node-id", 0, "attach below this node instead of the primary")

	unregister := &cobra.Command{
		Use:   "unregister",
		Short: "Remove this standby's registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.NodeUnregister(cmd.Context(), rt.cfg, rt.logger, rt.recorder,
				catalog.UnknownNodeID, "standby_unregister")
		},
	}

	clone := &cobra.Command{
		Use:   "clone",
		Short: "Build this node's data directory from an upstream node",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.StandbyClone(cmd.Context(), rt.cfg, rt.logger, rt.recorder,
				nodeops.CloneOptions{SourceConninfo: sourceConninfo, DryRun: dryRun, Force: force})
		},
	}
	clone.Flags().StringVarP(&sourceConninfo, "dbconn", "d", "", "conninfo of the node to clone from")
	clone.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done")
	clone.Flags().BoolVar(&force, "force", false, "overwrite an existing data directory")
	_ = clone.MarkFlagRequired("dbconn")

	promote := &cobra.Command{
		Use:   "promote",
		Short: "Promote this standby to primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.StandbyPromote(cmd.Context(), rt.cfg, rt.logger, rt.recorder)
		},
	}

	follow := &cobra.Command{
		Use:   "follow",
		Short: "Re-point this standby at the current primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.StandbyFollow(cmd.Context(), rt.cfg, rt.logger, rt.recorder)
		},
	}

	switchover := &cobra.Command{
		Use:   "switchover",
		Short: "Swap roles with the current primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.StandbySwitchover(cmd.Context(), rt.cfg, rt.logger, rt.recorder,
				nodeops.SwitchoverOptions{SiblingsFollow: siblingsFollow, DryRun: dryRun})
		},
	}
	switchover.Flags().BoolVar(&siblingsFollow, "siblings-follow", false, "re-point the other standbys at the new primary")
	switchover.Flags().BoolVar(&dryRun, "dry-run", false, "check prerequisites only")

	cmd.AddCommand(register, unregister, clone, promote, follow, switchover)
	return cmd
}

func witnessCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "witness", Short: "Witness node operations"}

	var (
		force           bool
		primaryConninfo string
	)

	register := &cobra.Command{
		Use:   "register",
		Short: "Register this node as a witness",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.WitnessRegister(cmd.Context(), rt.cfg, rt.logger, rt.recorder,
				primaryConninfo, force)
		},
	}
	register.Flags().StringVarP(&primaryConninfo, "dbconn", "d", "", "conninfo of the primary")
	register.Flags().BoolVar(&force, "force", false, "overwrite an existing registration")
	_ = register.MarkFlagRequired("dbconn")

	unregister := &cobra.Command{
		Use:   "unregister",
		Short: "Remove this witness's registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return nodeops.NodeUnregister(cmd.Context(), rt.cfg, rt.logger, rt.recorder,
				catalog.UnknownNodeID, "witness_unregister")
		},
	}

	cmd.AddCommand(register, unregister)
	return cmd
}

// keepHistoryDays converts the cleanup flag into a retention window.
func keepHistoryDays(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
