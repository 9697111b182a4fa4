package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const maxLineSize = 1024 * 1024

// CLIEngine runs the claude CLI in print mode and parses its stream-json output.
type CLIEngine struct {
	Path   string
	Model  string
	logger *slog.Logger
}

// NewCLIEngine returns an engine that invokes the claude binary at path.
func NewCLIEngine(path, model string, logger *slog.Logger) *CLIEngine {
	if path == "" {
		path = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIEngine{Path: path, Model: model, logger: logger.With("component", "engine.cli")}
}

// Args returns the command-line arguments for req.
func (e *CLIEngine) Args(req Request) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	if e.Model != "" {
		args = append(args, "--model", e.Model)
	}
	return args
}

// Start launches the CLI in req.Cwd.
func (e *CLIEngine) Start(ctx context.Context, req Request) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, e.Path, e.Args(req)...)
	cmd.Dir = req.Cwd
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", e.Path, err)
	}
	e.logger.Debug("claude started", "pid", cmd.Process.Pid, "cwd", req.Cwd, "resume", req.ResumeToken != "")

	s := &cliStream{
		events: make(chan Event),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.run(ctx, cmd, stdout, stderr, e.logger)
	return s, nil
}

type cliStream struct {
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

func (s *cliStream) Events() <-chan Event { return s.events }

func (s *cliStream) Err() error {
	<-s.done
	return s.err
}

// Close kills the process if it is still running and waits for it to exit.
func (s *cliStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *cliStream) run(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *tailBuffer, logger *slog.Logger) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		evs, err := ParseLine(scanner.Bytes())
		if err != nil {
			logger.Debug("skipping unparseable line", "error", err)
			continue
		}
		for _, ev := range evs {
			select {
			case s.events <- ev:
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return
	}
	switch {
	case waitErr != nil:
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			s.err = fmt.Errorf("claude exited: %w: %s", waitErr, tail)
		} else {
			s.err = fmt.Errorf("claude exited: %w", waitErr)
		}
	case scanErr != nil:
		s.err = fmt.Errorf("read claude output: %w", scanErr)
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
