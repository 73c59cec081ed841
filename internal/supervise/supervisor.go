// Package supervise manages the lifecycle of the external server processes
// Conversator depends on: the subagent orchestration layer and the builder
// backends.
//
// A supervisor adopts an already-healthy server rather than spawning a
// second one. When it does spawn, it records the child PID in a PID file
// so a later run can clean up a crashed predecessor — and only then: stale
// cleanup never touches a process we have no PID file for, and verifies
// the PID's command line before signalling it.
package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrStartTimeout is returned when the spawned process never becomes
// healthy within the configured window.
var ErrStartTimeout = errors.New("supervise: process did not become healthy in time")

// ErrProcessDied is returned when the spawned process exits before its
// health check ever passes.
var ErrProcessDied = errors.New("supervise: process exited during startup")

const (
	healthPollInterval = 500 * time.Millisecond
	healthCheckTimeout = 5 * time.Second
	stopGracePeriod    = 5 * time.Second
)

// Config describes one supervised server.
type Config struct {
	// Name labels the supervisor in logs and names its PID file.
	Name string

	// Command is the executable to spawn, e.g. "opencode".
	Command string

	// Port the server listens on; passed via --port and used for health
	// checks.
	Port int

	// WorkingDir is the directory the process runs in.
	WorkingDir string

	// ConfigDir, when set, is exported as OPENCODE_CONFIG_DIR so the child
	// uses an isolated configuration.
	ConfigDir string

	// AgentsSource, when set, is a directory of agent definition files
	// (*.md) synced into ConfigDir/agent before starting.
	AgentsSource string

	// PIDDir is where the PID file lives. Defaults to
	// <WorkingDir>/.conversator/run.
	PIDDir string

	// StartTimeout bounds the health wait after spawning. Default 30s.
	StartTimeout time.Duration
}

// Supervisor owns at most one child process.
type Supervisor struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client

	mu        sync.Mutex
	cmd       *exec.Cmd
	managed   bool
	waitErr   chan error // receives the cmd.Wait result
	logDone   chan struct{}
}

// New creates a supervisor from cfg, applying defaults.
func New(cfg Config) *Supervisor {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "."
	}
	if cfg.PIDDir == "" {
		cfg.PIDDir = filepath.Join(cfg.WorkingDir, ".conversator", "run")
	}
	if cfg.Command == "" {
		cfg.Command = "opencode"
	}
	return &Supervisor{
		cfg:        cfg,
		baseURL:    fmt.Sprintf("http://localhost:%d", cfg.Port),
		httpClient: &http.Client{Timeout: healthCheckTimeout},
	}
}

// Healthy reports whether the server answers on its agent endpoint.
func (s *Supervisor) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/agent", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Managed reports whether this supervisor spawned the current server.
func (s *Supervisor) Managed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.managed
}

// Running reports whether a spawned child is still alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return false
	}
	select {
	case err := <-s.waitErr:
		// Child reaped; keep the result for Stop.
		s.waitErr <- err
		return false
	default:
		return true
	}
}

// Start ensures a healthy server on the configured port, spawning one if
// nothing answers. Returns nil when the server is usable, whether adopted
// or spawned.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.Healthy(ctx) {
		slog.Info("server already running, adopting", "name", s.cfg.Name, "port", s.cfg.Port)
		return nil
	}

	s.cleanupStale()

	if err := s.setupConfigDir(); err != nil {
		return err
	}
	if err := s.syncAgents(); err != nil {
		return err
	}

	slog.Info("starting server", "name", s.cfg.Name, "port", s.cfg.Port)
	if err := s.spawn(ctx); err != nil {
		return err
	}

	deadline := time.Now().Add(s.cfg.StartTimeout)
	for time.Now().Before(deadline) {
		if s.Healthy(ctx) {
			slog.Info("server became healthy", "name", s.cfg.Name, "port", s.cfg.Port)
			if err := s.writePIDFile(); err != nil {
				slog.Warn("could not write pid file", "name", s.cfg.Name, "error", err)
			}
			return nil
		}
		if !s.Running() {
			s.mu.Lock()
			s.cmd = nil
			s.managed = false
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrProcessDied, s.cfg.Name)
		}
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}

	s.Stop()
	return fmt.Errorf("%w: %s after %s", ErrStartTimeout, s.cfg.Name, s.cfg.StartTimeout)
}

func (s *Supervisor) spawn(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Command, "serve",
		"--port", strconv.Itoa(s.cfg.Port),
		"--hostname", "127.0.0.1")
	cmd.Dir = s.cfg.WorkingDir
	cmd.Env = os.Environ()
	if s.cfg.ConfigDir != "" {
		cmd.Env = append(cmd.Env, "OPENCODE_CONFIG_DIR="+s.configDirPath())
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervise: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervise: start %s: %w", s.cfg.Command, err)
	}

	waitErr := make(chan error, 1)
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			lowered := strings.ToLower(line)
			if strings.Contains(lowered, "error") || strings.Contains(lowered, "listening") {
				slog.Info("server output", "name", s.cfg.Name, "line", line)
			} else {
				slog.Debug("server output", "name", s.cfg.Name, "line", line)
			}
		}
	}()
	go func() {
		<-logDone
		waitErr <- cmd.Wait()
	}()

	s.mu.Lock()
	s.cmd = cmd
	s.managed = true
	s.waitErr = waitErr
	s.logDone = logDone
	s.mu.Unlock()
	return nil
}

// Stop terminates a spawned child: SIGTERM, grace period, then SIGKILL.
// Adopted servers are left running. The PID file is removed either way.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd, managed, waitErr := s.cmd, s.managed, s.waitErr
	s.cmd = nil
	s.managed = false
	s.mu.Unlock()

	defer os.Remove(s.pidFilePath())

	if cmd == nil || !managed {
		return nil
	}

	slog.Info("stopping server", "name", s.cfg.Name)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("terminate failed", "name", s.cfg.Name, "error", err)
	}

	select {
	case <-waitErr:
		return nil
	case <-time.After(stopGracePeriod):
	}

	slog.Warn("server did not terminate gracefully, killing", "name", s.cfg.Name)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("supervise: kill %s: %w", s.cfg.Name, err)
	}
	<-waitErr
	return nil
}

// ─── config + agent sync ─────────────────────────────────────────────────────

func (s *Supervisor) configDirPath() string {
	if filepath.IsAbs(s.cfg.ConfigDir) {
		return s.cfg.ConfigDir
	}
	return filepath.Join(s.cfg.WorkingDir, s.cfg.ConfigDir)
}

func (s *Supervisor) setupConfigDir() error {
	if s.cfg.ConfigDir == "" {
		return nil
	}
	dir := filepath.Join(s.configDirPath(), "agent")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("supervise: create config dir: %w", err)
	}
	return nil
}

// syncAgents copies the versioned agent definitions into the runtime
// config directory. A missing source directory is not fatal: agents may
// already be in place.
func (s *Supervisor) syncAgents() error {
	if s.cfg.AgentsSource == "" || s.cfg.ConfigDir == "" {
		return nil
	}
	src := s.cfg.AgentsSource
	if !filepath.IsAbs(src) {
		src = filepath.Join(s.cfg.WorkingDir, src)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("agents source not found", "name", s.cfg.Name, "path", src)
			return nil
		}
		return fmt.Errorf("supervise: read agents source: %w", err)
	}

	dest := filepath.Join(s.configDirPath(), "agent")
	var synced []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			return fmt.Errorf("supervise: read agent %s: %w", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dest, e.Name()), data, 0o644); err != nil {
			return fmt.Errorf("supervise: write agent %s: %w", e.Name(), err)
		}
		synced = append(synced, e.Name())
	}
	if len(synced) > 0 {
		slog.Info("synced agents", "name", s.cfg.Name, "agents", strings.Join(synced, ", "))
	}
	return nil
}

// ─── pid file handling ───────────────────────────────────────────────────────

func (s *Supervisor) pidFilePath() string {
	return filepath.Join(s.cfg.PIDDir, s.cfg.Name+".pid")
}

func (s *Supervisor) writePIDFile() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := os.MkdirAll(s.cfg.PIDDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.pidFilePath(), []byte(strconv.Itoa(cmd.Process.Pid)), 0o644)
}

// cleanupStale kills a crashed predecessor, but only with strong evidence:
// a PID file we wrote, a live PID, and a /proc command line that names our
// program, the serve subcommand and our port. Anything less and the
// process is left alone.
func (s *Supervisor) cleanupStale() {
	path := s.pidFilePath()
	pid, err := readPIDFile(path)
	if err != nil {
		return
	}

	if !cmdlineMatches(pid, s.cfg.Command, s.cfg.Port) {
		// PID reused by an unrelated process, or already gone.
		os.Remove(path)
		return
	}

	slog.Warn("killing stale server from previous run", "name", s.cfg.Name, "pid", pid)
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	proc.Signal(syscall.SIGTERM)
	time.Sleep(2 * time.Second)
	if pidAlive(pid) {
		proc.Signal(syscall.SIGKILL)
		time.Sleep(time.Second)
	}
	os.Remove(path)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("supervise: malformed pid file %s", path)
	}
	return pid, nil
}

func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// cmdlineMatches verifies that the process's /proc command line contains
// the program name, the serve subcommand and the expected port.
func cmdlineMatches(pid int, command string, port int) bool {
	if !pidAlive(pid) {
		return false
	}
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false
	}
	args := strings.Split(string(raw), "\x00")
	var hasCommand, hasServe, hasPort bool
	for _, a := range args {
		switch {
		case strings.Contains(a, command):
			hasCommand = true
		case a == "serve":
			hasServe = true
		case a == strconv.Itoa(port):
			hasPort = true
		}
	}
	return hasCommand && hasServe && hasPort
}
