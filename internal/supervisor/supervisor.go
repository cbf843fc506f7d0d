// Package supervisor - Dev Server Supervisor
// Owns the live dev-server processes: port allocation, spawn, readiness
// polling, graceful shutdown, and output capture. The durable projection of
// this map lives in the state store; the supervisor holds the only process
// handles.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"sitesmith/internal/logging"
	"sitesmith/internal/metrics"
	"sitesmith/internal/state"
	"sitesmith/internal/toolchain"
)

// ErrServerStartTimeout is returned when a dev server neither answers HTTP
// nor exits within the readiness window.
var ErrServerStartTimeout = errors.New("dev server did not become ready in time")

// ErrSpawnFailed is returned when the dev server process could not be
// started at all.
var ErrSpawnFailed = errors.New("dev server spawn failed")

const (
	readinessAttempts = 10
	readinessInterval = 1 * time.Second
	stopGracePeriod   = 5 * time.Second
	maxLogBytes       = 256 * 1024
)

// EventKind classifies supervisor events.
type EventKind string

const (
	EventStarting EventKind = "starting"
	EventOutput   EventKind = "output"
	EventReady    EventKind = "ready"
	EventExited   EventKind = "exited"
	EventError    EventKind = "error"
)

// Event is one observation from a supervised process. Spawn-time failures
// surface as errors to the Start caller; everything after a successful spawn
// flows through here.
type Event struct {
	Kind    EventKind `json:"kind"`
	Project string    `json:"project"`
	Port    int       `json:"port,omitempty"`
	URL     string    `json:"url,omitempty"`
	Line    string    `json:"line,omitempty"`
	Code    int       `json:"code,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
}

type process struct {
	rec     state.Record
	cmd     *exec.Cmd
	logs    *logBuffer
	exited  chan struct{} // closed when Wait returns
	stopped bool          // set under Supervisor.mu by Stop
}

// Supervisor starts, tracks, and stops one dev server per project.
type Supervisor struct {
	tc       toolchain.Toolchain
	store    *state.Store
	basePort int
	attempts int

	// ready is the readiness probe, injectable for tests. The default issues
	// an HTTP GET and accepts any non-5xx response.
	ready        func(url string) bool
	pollInterval time.Duration
	pollAttempts int

	mu    sync.RWMutex
	procs map[string]*process

	events chan Event
}

// New creates a supervisor allocating ports from basePort with up to
// portAttempts probes per start.
func New(tc toolchain.Toolchain, store *state.Store, basePort, portAttempts int) *Supervisor {
	return &Supervisor{
		tc:           tc,
		store:        store,
		basePort:     basePort,
		attempts:     portAttempts,
		ready:        httpReady,
		pollInterval: readinessInterval,
		pollAttempts: readinessAttempts,
		procs:        make(map[string]*process),
		events:       make(chan Event, 256),
	}
}

// PortProbe is the probe the state store should use: alive means something
// accepts connections on the port.
func PortProbe(port int) bool { return portBound(port) }

// Events exposes the supervisor's event stream. Events are dropped, never
// blocked on, when no consumer keeps up.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Start brings up the dev server for a project. Starting an already-running
// project returns its existing record without spawning a second process.
func (s *Supervisor) Start(ctx context.Context, name, projectPath string) (state.Record, error) {
	s.mu.Lock()
	if p, ok := s.procs[name]; ok {
		rec := p.rec
		s.mu.Unlock()
		logging.S().Infof("Supervisor: %s already running on port %d", name, rec.Port)
		return rec, nil
	}
	s.mu.Unlock()

	// A record from a previous supervisor run whose server still answers is
	// adopted, never respawned: one runtime per project. A dead record is
	// reclaimed so its port can be reused.
	if s.store != nil {
		if rec, ok := s.store.Get(name); ok {
			if portBound(rec.Port) {
				logging.S().Infof("Supervisor: %s still serving on port %d from a previous run", name, rec.Port)
				return rec, nil
			}
			if err := s.store.Remove(name); err != nil {
				logging.S().Errorf("Supervisor: reclaim stale record %s: %v", name, err)
			}
		}
	}

	clearStaleCaches(projectPath)
	if err := s.installIfNeeded(ctx, projectPath); err != nil {
		return state.Record{}, fmt.Errorf("install before start: %w", err)
	}

	port, err := FindAvailablePort(s.basePort, s.attempts)
	if err != nil {
		metrics.PortAllocFailuresTotal.Inc()
		return state.Record{}, err
	}

	cmd := s.tc.DevCommand(projectPath, port)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return state.Record{}, fmt.Errorf("%w: pipe: %v", ErrSpawnFailed, err)
	}
	cmd.Stderr = cmd.Stdout

	s.emit(Event{Kind: EventStarting, Project: name, Port: port, Time: time.Now()})
	if err := cmd.Start(); err != nil {
		return state.Record{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	rec := state.Record{
		Name:        name,
		Port:        port,
		PID:         cmd.Process.Pid,
		URL:         fmt.Sprintf("http://localhost:%d", port),
		ProjectPath: projectPath,
		StartedAt:   time.Now(),
	}
	p := &process{
		rec:    rec,
		cmd:    cmd,
		logs:   newLogBuffer(maxLogBytes),
		exited: make(chan struct{}),
	}

	go s.captureOutput(name, p, stdout)
	go s.waitForExit(name, p)

	if err := s.awaitReady(p); err != nil {
		s.mu.Lock()
		p.stopped = true
		s.mu.Unlock()
		s.killGroup(p)
		<-p.exited
		return state.Record{}, err
	}

	s.mu.Lock()
	s.procs[name] = p
	running := len(s.procs)
	s.mu.Unlock()
	metrics.RunningProjects.Set(float64(running))
	metrics.DevServerStartsTotal.Inc()

	if s.store != nil {
		if err := s.store.Put(rec); err != nil {
			logging.S().Errorf("Supervisor: persist %s: %v", name, err)
		}
	}
	s.emit(Event{Kind: EventReady, Project: name, Port: port, URL: rec.URL, Time: time.Now()})
	logging.S().Infof("Supervisor: %s ready on %s (pid %d)", name, rec.URL, rec.PID)
	return rec, nil
}

// Stop shuts the project's dev server down. The project leaves the running
// map immediately; the SIGTERM-then-SIGKILL escalation runs asynchronously.
// For records that survive only in the state store (a prior run of this
// process), the recorded port's owner is killed best-effort.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	if ok {
		p.stopped = true
		delete(s.procs, name)
	}
	running := len(s.procs)
	s.mu.Unlock()
	metrics.RunningProjects.Set(float64(running))

	if s.store != nil {
		if rec, found := s.store.Get(name); found {
			if !ok {
				// Orphan from a previous run: no handle, kill by port.
				killByPort(rec.Port)
			}
			if err := s.store.Remove(name); err != nil {
				logging.S().Errorf("Supervisor: remove record %s: %v", name, err)
			}
		}
	}
	if !ok {
		return nil
	}

	go func() {
		s.terminate(p)
		s.emit(Event{Kind: EventExited, Project: name, Port: p.rec.Port, Reason: "stopped", Time: time.Now()})
	}()
	return nil
}

// StopAll stops every running project and waits for the processes to exit.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	procs := make(map[string]*process, len(s.procs))
	for name, p := range s.procs {
		p.stopped = true
		procs[name] = p
	}
	s.procs = make(map[string]*process)
	s.mu.Unlock()
	metrics.RunningProjects.Set(0)

	var wg sync.WaitGroup
	for name, p := range procs {
		wg.Add(1)
		go func(name string, p *process) {
			defer wg.Done()
			s.terminate(p)
			if s.store != nil {
				_ = s.store.Remove(name)
			}
		}(name, p)
	}
	wg.Wait()
}

// Get returns the live record for a running project.
func (s *Supervisor) Get(name string) (state.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.procs[name]; ok {
		return p.rec, true
	}
	return state.Record{}, false
}

// List returns the records of all live projects.
func (s *Supervisor) List() []state.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]state.Record, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.rec)
	}
	return out
}

// Logs returns the captured output tail for a running project.
func (s *Supervisor) Logs(name string) (string, bool) {
	s.mu.RLock()
	p, ok := s.procs[name]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	return p.logs.String(), true
}

func (s *Supervisor) awaitReady(p *process) error {
	for i := 0; i < s.pollAttempts; i++ {
		select {
		case <-p.exited:
			return fmt.Errorf("dev server exited during startup: %s",
				tailLines(p.logs.String(), 5))
		case <-time.After(s.pollInterval):
		}
		if s.ready(p.rec.URL) {
			return nil
		}
	}
	return ErrServerStartTimeout
}

func (s *Supervisor) captureOutput(name string, p *process, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.logs.Append(line)
		s.emit(Event{Kind: EventOutput, Project: name, Line: line, Time: time.Now()})
	}
}

func (s *Supervisor) waitForExit(name string, p *process) {
	err := p.cmd.Wait()
	close(p.exited)

	s.mu.Lock()
	stopped := p.stopped
	if cur, ok := s.procs[name]; ok && cur == p {
		delete(s.procs, name)
	}
	running := len(s.procs)
	s.mu.Unlock()
	metrics.RunningProjects.Set(float64(running))

	if stopped {
		return
	}
	// Unexpected exit: reported as an event, never thrown past a caller.
	reason := "exited"
	code := 0
	if err != nil {
		reason = err.Error()
		if p.cmd.ProcessState != nil {
			code = p.cmd.ProcessState.ExitCode()
		}
	}
	logging.S().Warnf("Supervisor: %s exited unexpectedly: %s", name, reason)
	if s.store != nil {
		_ = s.store.Remove(name)
	}
	s.emit(Event{Kind: EventError, Project: name, Port: p.rec.Port, Code: code, Reason: reason, Time: time.Now()})
}

// terminate escalates SIGTERM to SIGKILL after the grace period. Signals go
// to the negative pgid so the whole npm/node tree dies, not just the shim.
func (s *Supervisor) terminate(p *process) {
	s.killGroupSignal(p, syscall.SIGTERM)
	select {
	case <-p.exited:
		return
	case <-time.After(stopGracePeriod):
	}
	s.killGroup(p)
	<-p.exited
}

func (s *Supervisor) killGroup(p *process) {
	s.killGroupSignal(p, syscall.SIGKILL)
}

func (s *Supervisor) killGroupSignal(p *process, sig syscall.Signal) {
	if p.cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		// Fall back to the direct pid if the group is already gone.
		_ = p.cmd.Process.Signal(sig)
	}
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// installIfNeeded runs the package install when node_modules is missing or
// older than package.json.
func (s *Supervisor) installIfNeeded(ctx context.Context, projectPath string) error {
	pkg, err := os.Stat(filepath.Join(projectPath, "package.json"))
	if err != nil {
		return nil // not a node project root; let the dev command fail loudly
	}
	mods, err := os.Stat(filepath.Join(projectPath, "node_modules"))
	if err == nil && mods.ModTime().After(pkg.ModTime()) {
		return nil
	}
	logging.S().Infof("Supervisor: installing dependencies in %s", projectPath)
	out, err := s.tc.Install(ctx, projectPath)
	if err != nil {
		return fmt.Errorf("%w: %s", err, tailLines(out, 5))
	}
	return nil
}

// clearStaleCaches removes build caches that frequently hold references to
// files from a previous generation pass.
func clearStaleCaches(projectPath string) {
	for _, dir := range []string{".next", filepath.Join("node_modules", ".cache")} {
		_ = os.RemoveAll(filepath.Join(projectPath, dir))
	}
}

// killByPort terminates whatever owns a TCP port. Best-effort: used only for
// store records whose owning process predates this supervisor.
func killByPort(port int) {
	out, err := exec.Command("lsof", "-t", "-i", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		return
	}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 1 {
			continue
		}
		logging.S().Infof("Supervisor: killing orphan pid %d on port %d", pid, port)
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
}

func httpReady(url string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 500
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
