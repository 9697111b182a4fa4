package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/town/internal/agents"
	"github.com/joescharf/town/internal/api"
	"github.com/joescharf/town/internal/daemon"
	"github.com/joescharf/town/internal/engine"
	"github.com/joescharf/town/internal/events"
	"github.com/joescharf/town/internal/git"
	"github.com/joescharf/town/internal/mcp"
	"github.com/joescharf/town/internal/projects"
	"github.com/joescharf/town/internal/store"
	"github.com/joescharf/town/internal/worktree"
)

const (
	shutdownTimeout = 10 * time.Second
	stopGrace       = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the town server in the foreground",
	Long: `Run the town server: REST API under /api, the event stream at /ws
and MCP over streamable HTTP at /mcp. By default it listens on port 3001.

Use 'town serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.PersistentFlags().IntP("port", "p", 3001, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.PersistentFlags().Lookup("port"))
}

// pidFile returns the server PID file in the state directory.
func pidFile() *daemon.PIDFile {
	return daemon.ForStateDir(viper.GetString("state_dir"))
}

func mcpPidFile() *daemon.PIDFile {
	return daemon.ForMCP(viper.GetString("state_dir"))
}

// ensureNoMCP refuses to run agents while a stdio MCP server drives the same
// state dir; two processes would race on the same repositories.
func ensureNoMCP() error {
	if pid, running := mcpPidFile().IsRunning(); running {
		return fmt.Errorf("town mcp is running against %s (pid %d); stop it first or point its client at /mcp on this server",
			viper.GetString("state_dir"), pid)
	}
	return nil
}

// serveLogPath is where a background server writes its output.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "town-serve.log")
}

// newEngine builds the agent engine selected by engine.kind.
func newEngine(log *slog.Logger) (engine.Engine, error) {
	switch kind := viper.GetString("engine.kind"); kind {
	case "", "cli":
		return engine.NewCLIEngine(viper.GetString("engine.claude_path"), viper.GetString("engine.model"), log), nil
	case "api":
		return engine.NewAPIEngine(
			viper.GetString("anthropic.api_key"),
			viper.GetString("anthropic.model"),
			viper.GetInt64("anthropic.max_tokens"),
			log,
		), nil
	default:
		return nil, fmt.Errorf("unknown engine.kind %q (want cli or api)", kind)
	}
}

// server is the assembled town runtime.
type server struct {
	store   *store.SQLiteStore
	events  *events.Broadcaster
	agents  *agents.Manager
	sweeper *store.Sweeper
	http    *http.Server
}

// buildServer wires the store, engine, agent manager and HTTP handlers.
func buildServer(st *store.SQLiteStore, log *slog.Logger) (*server, error) {
	eng, err := newEngine(log)
	if err != nil {
		return nil, err
	}

	root := projects.Root(viper.GetString("projects_root"))
	bc := events.NewBroadcaster(log)
	wt := worktree.NewManager(git.NewClient(), log)
	m := agents.NewManager(st, wt, eng, bc, log, agents.WithProjectsRoot(root))

	mcpSrv := mcp.NewServer(m, buildVersion)
	apiSrv := api.NewServer(m, bc, root, log, api.WithMCP(mcpSrv.HTTPHandler()))

	return &server{
		store:   st,
		events:  bc,
		agents:  m,
		sweeper: store.NewSweeper(m, viper.GetDuration("trash.sweep_interval"), log),
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", viper.GetInt("port")),
			Handler:           apiSrv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// run serves until ctx is cancelled, then shuts down the HTTP server,
// ends every agent session and closes event subscribers.
func (s *server) run(ctx context.Context, ln net.Listener, log *slog.Logger) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sweeper.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	s.agents.Shutdown()
	s.events.Close()
	return serveErr
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ensureNoMCP(); err != nil {
		return err
	}
	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	st, err := getStore()
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := buildServer(st, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", srv.http.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	logger.Info("town server listening",
		"addr", ln.Addr().String(),
		"engine", viper.GetString("engine.kind"),
		"db", viper.GetString("db_path"),
		"projects_root", viper.GetString("projects_root"))
	ui.Success("Serving at http://localhost:%d", ln.Addr().(*net.TCPAddr).Port)

	return srv.run(ctx, ln, logger)
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}
	if err := ensureNoMCP(); err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would start town serve in the background (log: %s)", serveLogPath())
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(serveLogPath()), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()

	args := []string{"serve", "--port", fmt.Sprint(viper.GetInt("port"))}
	if cfg, _ := rootCmd.PersistentFlags().GetString("config"); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if verbose {
		args = append(args, "--verbose")
	}

	child := exec.Command(self, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("Server started (pid %d)", child.Process.Pid)
	ui.Info("Log: %s", serveLogPath())
	return nil
}

func serveStopRun() error {
	pid, err := pidFile().Stop(stopGrace)
	if errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("server is not running")
	}
	if err != nil {
		return err
	}
	ui.Success("Server stopped (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pid, running := pidFile().IsRunning()
	if !running {
		ui.Info("Server is not running")
		return nil
	}
	ui.Success("Server is running (pid %d)", pid)
	ui.Info("Port: %d", viper.GetInt("port"))
	ui.Info("Log: %s", serveLogPath())
	return nil
}
