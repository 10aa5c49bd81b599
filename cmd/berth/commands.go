package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/orchestrator"
	"github.com/cuemby/berth/pkg/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show versions, the active instance and retained instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		refresh, _ := cmd.Flags().GetBool("refresh")
		force, _ := cmd.Flags().GetBool("force")
		var state *types.State
		if refresh || force {
			state, err = a.orch.Refresh(cmd.Context(), force)
		} else {
			state, err = a.orch.GetState(cmd.Context())
		}
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), state)
		}
		printState(cmd.OutOrStdout(), state)
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install TAG",
	Short: "Download a version without activating it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) (string, error) {
			return o.Install(ctx, args[0])
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Switch to the latest release, keeping the current instance for rollback",
	RunE: func(cmd *cobra.Command, args []string) error {
		ack := ackFlag(cmd)
		return runOperation(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) (string, error) {
			return o.UpdateToLatest(ctx, ack)
		})
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate TAG",
	Short: "Switch to an installed version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ack := ackFlag(cmd)
		return runOperation(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) (string, error) {
			return o.ActivateVersion(ctx, args[0], ack)
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback CONTAINER_ID",
	Short: "Make a retained instance active again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ack := ackFlag(cmd)
		return runOperation(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) (string, error) {
			return o.ActivateRetainedInstance(ctx, args[0], ack)
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the active instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) (string, error) {
			return o.StartActive(ctx)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) (string, error) {
			return o.StopActive(ctx)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete CONTAINER_ID",
	Short: "Delete a retained instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) (string, error) {
			return o.DeleteRetainedInstance(ctx, args[0])
		})
	},
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Manage how many previous instances are kept",
}

var retentionSetCmd = &cobra.Command{
	Use:   "set KEEP_COUNT",
	Short: "Set the number of retained instances (0-20, at least one is always kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, err := strconv.Atoi(args[0])
		if err != nil {
			return errdefs.New(errdefs.CodeInvalidRetention, errdefs.UserMessage(errdefs.CodeInvalidRetention))
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		state, err := a.orch.SetRetentionPolicy(cmd.Context(), keep)
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), state.Policy)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Keeping %d retained instance(s)\n", state.Policy.EffectiveKeepCount())
		return nil
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Manage the host ports published by new instances",
}

var portsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the UI and SSH host ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ports := a.orch.Ports()
		if cmd.Flags().Changed("ui") {
			ports.UI, _ = cmd.Flags().GetInt("ui")
		}
		if cmd.Flags().Changed("ssh") {
			ports.SSH, _ = cmd.Flags().GetInt("ssh")
		}

		state, err := a.orch.SetPortPreferences(cmd.Context(), ports)
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), state.Ports)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "UI port %d, SSH port %d (applies to the next instance created)\n",
			state.Ports.UI, state.Ports.SSH)
		return nil
	},
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "List images, containers and volumes held by the runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		inv, err := a.orch.GetInventory(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), inv)
		}
		printInventory(cmd.OutOrStdout(), inv)
		return nil
	},
}

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Manage runtime volumes",
}

var volumeRmCmd = &cobra.Command{
	Use:   "rm NAME",
	Short: "Remove a volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orch.RemoveVolume(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed volume %s\n", args[0])
		return nil
	},
}

var volumePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove all volumes not used by a container",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.orch.PruneVolumes(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), report)
		}
		printPrune(cmd.OutOrStdout(), report)
		return nil
	},
}

func ackFlag(cmd *cobra.Command) types.Ack {
	v, _ := cmd.Flags().GetString("ack")
	return types.Ack(v)
}

func addAckFlag(cmd *cobra.Command) {
	cmd.Flags().String("ack", "",
		fmt.Sprintf("Data backup acknowledgment: %s or %s", types.AckHasBackup, types.AckProceedWithoutBackup))
}

func init() {
	statusCmd.Flags().Bool("refresh", false, "Recompute state instead of using the cached snapshot")
	statusCmd.Flags().Bool("force", false, "Probe the registry even when fresh answers are cached or releases are offline")

	addAckFlag(updateCmd)
	addAckFlag(activateCmd)
	addAckFlag(rollbackCmd)

	retentionCmd.AddCommand(retentionSetCmd)

	portsSetCmd.Flags().Int("ui", types.DefaultUIPort, "Host port for the web UI")
	portsSetCmd.Flags().Int("ssh", types.DefaultSSHPort, "Host port for SSH")
	portsCmd.AddCommand(portsSetCmd)

	volumeCmd.AddCommand(volumeRmCmd)
	volumeCmd.AddCommand(volumePruneCmd)
}
