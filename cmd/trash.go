package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/town/internal/output"
	"github.com/joescharf/town/internal/store"
)

var trashExpired bool

var trashCmd = &cobra.Command{
	Use:   "trash",
	Short: "List trashed buildings",
	Long: `List trashed buildings. Trashed buildings keep their agents and
history for 48 hours and can be restored until then.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return trashListRun(cmd.Context())
	},
}

var trashRestoreCmd = &cobra.Command{
	Use:   "restore <building-id>",
	Short: "Restore a trashed building",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return trashRestoreRun(cmd.Context(), args[0])
	},
}

var trashPurgeCmd = &cobra.Command{
	Use:   "purge [building-id]",
	Short: "Permanently delete a trashed building, or all expired ones",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return trashPurgeRun(cmd.Context(), id)
	},
}

func init() {
	trashPurgeCmd.Flags().BoolVar(&trashExpired, "expired", false, "Purge every building trashed more than 48h ago")
	trashCmd.AddCommand(trashRestoreCmd)
	trashCmd.AddCommand(trashPurgeCmd)
	rootCmd.AddCommand(trashCmd)
}

func trashListRun(ctx context.Context) error {
	m, err := offlineManager()
	if err != nil {
		return err
	}
	trash, err := m.ListTrash(ctxOrBackground(ctx))
	if err != nil {
		return err
	}
	if len(trash) == 0 {
		ui.Info("Trash is empty")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Project", "Agents", "Trashed", "Expires"})
	for _, t := range trash {
		name, project := "", ""
		if t.Building != nil {
			name, project = t.Building.Name, t.Building.ProjectPath
		}
		left := time.Until(t.TrashedAt.Add(store.TrashRetention))
		expires := output.Yellow(fmt.Sprintf("in %dh", int(left.Hours())+1))
		if left <= 0 {
			expires = output.Red("expired")
		}
		table.Append([]string{
			t.BuildingID,
			output.Cyan(name),
			project,
			strconv.Itoa(len(t.Agents)),
			output.Ago(time.Since(t.TrashedAt)),
			expires,
		})
	}
	return table.Render()
}

func trashRestoreRun(ctx context.Context, id string) error {
	if dryRun {
		ui.DryRunMsg("Would restore building %s", id)
		return nil
	}
	m, err := offlineManager()
	if err != nil {
		return err
	}
	b, err := m.RestoreBuilding(ctxOrBackground(ctx), id)
	if err != nil {
		return err
	}
	ui.Success("Restored %s with %d agent(s)", output.Cyan(b.Name), len(b.AgentIDs))
	return nil
}

func trashPurgeRun(ctx context.Context, id string) error {
	ctx = ctxOrBackground(ctx)
	switch {
	case trashExpired && id != "":
		return fmt.Errorf("pass a building id or --expired, not both")
	case trashExpired:
		return trashPurgeExpiredRun(ctx)
	case id == "":
		return fmt.Errorf("building id required (or use --expired)")
	}

	if dryRun {
		ui.DryRunMsg("Would purge building %s and discard its unmerged worktrees", id)
		return nil
	}
	m, err := offlineManager()
	if err != nil {
		return err
	}
	if err := m.PurgeTrash(ctx, id); err != nil {
		return err
	}
	ui.Success("Purged %s", id)
	return nil
}

func trashPurgeExpiredRun(ctx context.Context) error {
	m, err := offlineManager()
	if err != nil {
		return err
	}
	if dryRun {
		trash, err := m.ListTrash(ctx)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-store.TrashRetention)
		for _, t := range trash {
			if t.TrashedAt.Before(cutoff) {
				ui.DryRunMsg("Would purge %s and discard its worktrees", t.BuildingID)
			}
		}
		return nil
	}
	n, err := store.NewSweeper(m, 0, logger).Sweep(ctx)
	if err != nil {
		return err
	}
	ui.Success("Purged %d expired building(s)", n)
	return nil
}
