package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/town/internal/agents"
	"github.com/joescharf/town/internal/daemon"
	"github.com/joescharf/town/internal/events"
	"github.com/joescharf/town/internal/git"
	"github.com/joescharf/town/internal/mcp"
	"github.com/joescharf/town/internal/projects"
	"github.com/joescharf/town/internal/worktree"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets Claude Code and other MCP clients create buildings, start
agents and answer their questions. Configure with:

  {
    "mcpServers": {
      "town": { "command": "town", "args": ["mcp"] }
    }
  }

Agents started over stdio run inside this process and stop when it exits.
'town serve' exposes the same tools over HTTP at /mcp; while it runs this
command refuses to start, so only one process drives the repositories.

Available tools: town_list_buildings, town_get_building, town_create_building,
town_spawn_agent, town_get_agent, town_get_conversation, town_respond_to_agent,
town_kill_agent, town_merge_agent, town_list_trash`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if pid, running := pidFile().IsRunning(); running {
		return fmt.Errorf("town serve is running (pid %d); use its MCP endpoint at http://localhost:%d/mcp instead",
			pid, viper.GetInt("port"))
	}
	pf := mcpPidFile()
	if err := pf.Acquire(); err != nil {
		if errors.Is(err, daemon.ErrRunning) {
			pid, _ := pf.Read()
			return fmt.Errorf("another town mcp is running (pid %d)", pid)
		}
		return err
	}
	defer func() { _ = pf.Release() }()

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	st, err := getStore()
	if err != nil {
		return err
	}
	defer st.Close()

	eng, err := newEngine(logger)
	if err != nil {
		return err
	}

	bc := events.NewBroadcaster(logger)
	defer bc.Close()
	m := agents.NewManager(st, worktree.NewManager(git.NewClient(), logger), eng, bc, logger,
		agents.WithProjectsRoot(projects.Root(viper.GetString("projects_root"))))
	defer m.Shutdown()

	logger.Info("mcp stdio server starting", "db", viper.GetString("db_path"))
	return mcp.NewServer(m, buildVersion).ServeStdio(ctx)
}
