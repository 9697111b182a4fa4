// Package daemon tracks the running town processes through PID files so only
// one process runs agents against a state directory at a time.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrRunning is returned by Acquire when another live server owns the file.
var ErrRunning = errors.New("server already running")

// ErrNotRunning is returned by Stop when no live server owns the file.
var ErrNotRunning = errors.New("server not running")

// PIDFile is the server's PID file inside the state directory.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// ForStateDir returns the PID file town serve uses in stateDir.
func ForStateDir(stateDir string) *PIDFile {
	return NewPIDFile(filepath.Join(stateDir, "town-serve.pid"))
}

// ForMCP returns the PID file town mcp uses in stateDir.
func ForMCP(stateDir string) *PIDFile {
	return NewPIDFile(filepath.Join(stateDir, "town-mcp.pid"))
}

// Acquire records the current process as the server. A file left behind by
// a dead process is replaced.
func (p *PIDFile) Acquire() error {
	if pid, running := p.IsRunning(); running && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return p.Write()
}

// Release removes the file if it still names the current process.
func (p *PIDFile) Release() error {
	pid, err := p.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return p.Remove()
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes the given PID to the file.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// Stop asks the server to shut down and waits up to grace for it to exit,
// then kills it. The file is removed once the process is gone.
func (p *PIDFile) Stop(grace time.Duration) (int, error) {
	pid, running := p.IsRunning()
	if !running {
		_ = p.Remove()
		return pid, ErrNotRunning
	}
	if err := p.Signal(sigTERM()); err != nil {
		return pid, fmt.Errorf("signal server: %w", err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if _, running := p.IsRunning(); !running {
			_ = p.Remove()
			return pid, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := p.Signal(sigKILL()); err != nil {
		return pid, fmt.Errorf("kill server: %w", err)
	}
	_ = p.Remove()
	return pid, nil
}
