package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/town/internal/agents"
	"github.com/joescharf/town/internal/events"
	"github.com/joescharf/town/internal/git"
	"github.com/joescharf/town/internal/models"
	"github.com/joescharf/town/internal/output"
	"github.com/joescharf/town/internal/projects"
	"github.com/joescharf/town/internal/worktree"
)

var buildingsCmd = &cobra.Command{
	Use:     "buildings",
	Aliases: []string{"b"},
	Short:   "List buildings and their agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildingsListRun(cmd.Context())
	},
}

var buildingsShowCmd = &cobra.Command{
	Use:   "show <building-id>",
	Short: "Show a building's agents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildingsShowRun(cmd.Context(), args[0])
	},
}

func init() {
	buildingsCmd.AddCommand(buildingsShowCmd)
	rootCmd.AddCommand(buildingsCmd)
}

// offlineManager returns an agent manager for commands that change records
// and worktrees without running agents.
func offlineManager() (*agents.Manager, error) {
	st, err := getStore()
	if err != nil {
		return nil, err
	}
	eng, err := newEngine(logger)
	if err != nil {
		return nil, err
	}
	return agents.NewManager(st, worktree.NewManager(git.NewClient(), logger), eng,
		events.NewBroadcaster(logger), logger,
		agents.WithProjectsRoot(projects.Root(viper.GetString("projects_root")))), nil
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func buildingsListRun(ctx context.Context) error {
	m, err := offlineManager()
	if err != nil {
		return err
	}
	buildings, err := m.ListBuildings(ctxOrBackground(ctx))
	if err != nil {
		return err
	}
	if len(buildings) == 0 {
		ui.Info("No buildings. Create one from the web UI or the town_create_building MCP tool.")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Style", "Project", "Agents", "Created"})
	for _, b := range buildings {
		table.Append([]string{
			b.ID,
			output.Cyan(b.Name),
			string(b.Style),
			b.ProjectPath,
			agentStates(b.AgentSummaries),
			output.Ago(time.Since(b.CreatedAt)),
		})
	}
	return table.Render()
}

// agentStates summarizes agent states as "2 busy, 1 completed".
func agentStates(summaries []agents.AgentSummary) string {
	if len(summaries) == 0 {
		return "-"
	}
	counts := map[models.AgentState]int{}
	var order []models.AgentState
	for _, s := range summaries {
		if counts[s.State] == 0 {
			order = append(order, s.State)
		}
		counts[s.State]++
	}
	parts := make([]string, 0, len(order))
	for _, st := range order {
		parts = append(parts, fmt.Sprintf("%d %s", counts[st], output.StateColor(string(st))))
	}
	return strings.Join(parts, ", ")
}

func buildingsShowRun(ctx context.Context, id string) error {
	m, err := offlineManager()
	if err != nil {
		return err
	}
	b, err := m.GetBuilding(ctxOrBackground(ctx), id)
	if err != nil {
		return err
	}

	ui.Info("%s (%s)", output.Cyan(b.Name), b.Style)
	ui.Info("Project: %s", b.ProjectPath)
	fmt.Fprintln(ui.Out)

	table := ui.Table([]string{"Agent", "State", "Merge", "Task", "Error"})
	for _, a := range b.AgentDetails {
		table.Append([]string{
			a.ID,
			output.StateColor(string(a.State)),
			output.MergeColor(string(a.MergeStatus)),
			truncate(a.CurrentTask, 60),
			truncate(a.Error, 40),
		})
	}
	return table.Render()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
