package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"facestream/internal/core/models"
	"facestream/internal/util/timezone"
	"facestream/internal/utils"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var logFields = log.Fields{
	"component": "supervisor",
}

// State is the supervisor lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateReady         State = "ready"
	StateUnhealthy     State = "unhealthy"
	StateFailed        State = "failed"
)

// FrameProbe decodes one frame of the artifact at path.
type FrameProbe interface {
	Probe(path string) error
}

// StatsFunc reads resource usage of a process.
type StatsFunc func(pid int) (*utils.ProcessStats, error)

// Listener is notified after every state transition. It runs without any
// supervisor lock held.
type Listener func(from, to State, reason string)

// Options configures a Supervisor.
type Options struct {
	Source          string
	OutputFile      string
	Binary          string
	Quality         string
	ExtraArgs       []string
	Cookies         []Cookie
	StartTimeout    time.Duration
	PollInterval    time.Duration
	MinArtifactSize int64
	TerminateGrace  time.Duration
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State          State     `json:"state"`
	Error          string    `json:"error,omitempty"`
	Ready          bool      `json:"ready"`
	Healthy        bool      `json:"healthy"`
	ArtifactExists bool      `json:"artifact_exists"`
	ArtifactSize   int64     `json:"artifact_size"`
	ProcessRunning bool      `json:"process_running"`
	PID            int       `json:"pid,omitempty"`
	CPUPercent     float64   `json:"cpu_percent,omitempty"`
	MemoryRSS      uint64    `json:"memory_rss,omitempty"`
	Since          time.Time `json:"since"`
}

// ArtifactInfo describes the output artifact on disk, independent of any
// supervisor instance.
type ArtifactInfo struct {
	Path       string    `json:"path"`
	Exists     bool      `json:"exists"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// InspectArtifact stats the artifact at path.
func InspectArtifact(path string) ArtifactInfo {
	info := ArtifactInfo{Path: path}
	if fi, err := os.Stat(path); err == nil {
		info.Exists = true
		info.Size = fi.Size()
		info.ModifiedAt = fi.ModTime()
	}
	return info
}

// Supervisor keeps an external capture process writing a decodable output
// artifact. Lifecycle operations (Init, Restart, Cleanup) are serialized by
// opMu; mu only guards the fields below it and is never held while waiting
// for the artifact or the process, so Status and IsHealthy answer promptly
// during a start.
type Supervisor struct {
	opts     Options
	spawner  Spawner
	probe    FrameProbe
	stats    StatsFunc
	listener Listener

	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	lastErr string
	proc    Process
	since   time.Time
}

// New creates a Supervisor in StateUninitialized.
func New(opts Options, spawner Spawner, probe FrameProbe) *Supervisor {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = 5 * time.Second
	}
	if opts.MinArtifactSize < 0 {
		opts.MinArtifactSize = 0
	}
	return &Supervisor{
		opts:    opts,
		spawner: spawner,
		probe:   probe,
		stats:   utils.GetProcessStats,
		state:   StateUninitialized,
		since:   timezone.Now(),
	}
}

// SetListener registers a transition listener.
func (s *Supervisor) SetListener(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

// SetStatsFunc replaces the process statistics reader. nil disables it.
func (s *Supervisor) SetStatsFunc(stats StatsFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
}

// OutputFile returns the artifact path the capture process writes.
func (s *Supervisor) OutputFile() string {
	return s.opts.OutputFile
}

// Init tears down any previous capture, starts a new one and blocks until
// the artifact is decodable, the process exits, the start timeout passes or
// ctx is done. On failure the supervisor is left in StateFailed and the
// error wraps models.ErrSourceUnavailable or models.ErrSourceTimeout.
func (s *Supervisor) Init(ctx context.Context) (Status, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(ctx, "init requested")
}

// InitHandle tracks a background Init.
type InitHandle struct {
	done   chan struct{}
	status Status
	err    error
}

// Done is closed when the background Init has finished.
func (h *InitHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the background Init has finished and returns its result.
func (h *InitHandle) Wait() (Status, error) {
	<-h.done
	return h.status, h.err
}

// InitAsync runs Init on a background goroutine. Callers poll Status or
// IsHealthy, or wait on the handle, before relying on readiness.
func (s *Supervisor) InitAsync(ctx context.Context) *InitHandle {
	h := &InitHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.status, h.err = s.Init(ctx)
	}()
	return h
}

// Restart terminates the running capture, if any, and starts a new one.
// The previous process has exited before the new one is spawned.
func (s *Supervisor) Restart(ctx context.Context) (Status, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	log.WithFields(logFields).Info("Restarting capture")
	return s.start(ctx, "restart requested")
}

// Cleanup terminates the capture process, removes the artifact and returns
// the supervisor to StateUninitialized.
func (s *Supervisor) Cleanup() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	log.WithFields(logFields).Info("Cleaning up capture resources")
	s.transition(StateUninitialized, "", "cleanup requested")
	return s.teardown()
}

// IsHealthy reports whether the capture is ready, its process is alive and
// the artifact still exists. A failed check downgrades StateReady to
// StateUnhealthy; it never starts a restart.
func (s *Supervisor) IsHealthy() bool {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return false
	}

	var reason string
	switch {
	case s.proc == nil || exited(s.proc):
		reason = "capture process is no longer running"
	default:
		if _, err := os.Stat(s.opts.OutputFile); err != nil {
			reason = fmt.Sprintf("output artifact %s is missing", s.opts.OutputFile)
		}
	}
	if reason == "" {
		s.mu.Unlock()
		return true
	}

	notify := s.setStateLocked(StateUnhealthy, fmt.Sprintf("%v: %s", models.ErrSourceUnhealthy, reason))
	s.mu.Unlock()
	notify()
	log.WithFields(logFields).Warnf("Capture unhealthy: %s", reason)
	return false
}

// Status returns a snapshot of the supervisor and its capture process.
func (s *Supervisor) Status() Status {
	healthy := s.IsHealthy()

	s.mu.Lock()
	st := Status{
		State:   s.state,
		Error:   s.lastErr,
		Ready:   s.state == StateReady,
		Healthy: healthy,
		Since:   s.since,
	}
	proc := s.proc
	stats := s.stats
	s.mu.Unlock()

	if info, err := os.Stat(s.opts.OutputFile); err == nil {
		st.ArtifactExists = true
		st.ArtifactSize = info.Size()
	}

	if proc != nil && !exited(proc) {
		st.ProcessRunning = true
		st.PID = proc.PID()
		if stats != nil {
			if ps, err := stats(st.PID); err == nil {
				st.CPUPercent = ps.CPUPercent
				st.MemoryRSS = ps.MemoryRSS
			}
		}
	}
	return st
}

// start runs one Starting phase. Callers hold opMu.
func (s *Supervisor) start(ctx context.Context, reason string) (Status, error) {
	s.transition(StateStarting, "", reason)

	if err := s.teardown(); err != nil {
		log.WithFields(logFields).WithError(err).Warn("Teardown before start was incomplete")
	}

	cmd := BuildCommand(s.opts)
	log.WithFields(logFields).Infof("Starting capture: %s", cmd)

	proc, err := s.spawner.Spawn(cmd)
	if err != nil {
		return s.fail(fmt.Errorf("%w: spawn %s: %v", models.ErrSourceUnavailable, cmd.Name, err))
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()
	log.WithFields(logFields).Infof("Capture process started with pid %d", proc.PID())

	if err := s.waitReady(ctx, proc); err != nil {
		s.abandon(proc)
		return s.fail(err)
	}

	s.transition(StateReady, "", "output artifact is decodable")
	log.WithFields(logFields).Info("Capture is ready")
	return s.Status(), nil
}

// waitReady polls until the artifact exceeds the minimum size and one frame
// decodes. The first check happens immediately.
func (s *Supervisor) waitReady(ctx context.Context, proc Process) error {
	deadline := time.NewTimer(s.opts.StartTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if exited(proc) {
			return fmt.Errorf("%w: capture process exited before the output was ready (%v)%s",
				models.ErrSourceUnavailable, proc.ExitErr(), stderrTail(proc))
		}

		if s.artifactReady() {
			return nil
		}

		select {
		case <-ticker.C:
		case <-proc.Done():
		case <-deadline.C:
			return fmt.Errorf("%w: %s not decodable within %v%s",
				models.ErrSourceTimeout, s.opts.OutputFile, s.opts.StartTimeout, stderrTail(proc))
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", models.ErrCancellationRequested, context.Cause(ctx))
		}
	}
}

func (s *Supervisor) artifactReady() bool {
	info, err := os.Stat(s.opts.OutputFile)
	if err != nil || info.Size() <= s.opts.MinArtifactSize {
		return false
	}
	if s.probe == nil {
		return true
	}
	if err := s.probe.Probe(s.opts.OutputFile); err != nil {
		log.WithFields(logFields).Debugf("Output artifact not decodable yet: %v", err)
		return false
	}
	return true
}

// teardown stops the current process and removes the artifact. Callers hold opMu.
func (s *Supervisor) teardown() error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	var errs error
	if proc != nil {
		errs = multierr.Append(errs, s.terminate(proc))
		s.mu.Lock()
		s.proc = nil
		s.mu.Unlock()
	}

	if err := os.Remove(s.opts.OutputFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", s.opts.OutputFile, err))
	}
	return errs
}

// terminate asks the process to stop, then kills it after the grace period.
func (s *Supervisor) terminate(proc Process) error {
	if exited(proc) {
		return nil
	}

	pid := proc.PID()
	if err := proc.Terminate(); err != nil {
		log.WithFields(logFields).WithError(err).Warnf("Failed to terminate capture process %d", pid)
	}

	select {
	case <-proc.Done():
		log.WithFields(logFields).Debugf("Capture process %d terminated", pid)
		return nil
	case <-time.After(s.opts.TerminateGrace):
	}

	log.WithFields(logFields).Warnf("Capture process %d ignored terminate, killing it", pid)
	if err := proc.Kill(); err != nil {
		return err
	}

	select {
	case <-proc.Done():
		return nil
	case <-time.After(s.opts.TerminateGrace):
		return fmt.Errorf("capture process %d did not exit after kill", pid)
	}
}

// abandon stops a process whose start did not reach StateReady.
func (s *Supervisor) abandon(proc Process) {
	if err := s.terminate(proc); err != nil {
		log.WithFields(logFields).WithError(err).Warnf("Failed to stop capture process %d after a failed start", proc.PID())
	}
	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) (Status, error) {
	s.transition(StateFailed, err.Error(), "start failed")
	log.WithFields(logFields).WithError(err).Error("Capture failed to start")
	return s.Status(), err
}

func (s *Supervisor) transition(to State, lastErr, reason string) {
	s.mu.Lock()
	s.lastErr = lastErr
	notify := s.setStateLocked(to, reason)
	s.mu.Unlock()
	notify()
}

// setStateLocked changes state with mu held and returns the listener call
// to run once mu is released.
func (s *Supervisor) setStateLocked(to State, reason string) func() {
	from := s.state
	s.state = to
	s.since = timezone.Now()
	if to == StateUnhealthy {
		s.lastErr = reason
	}

	listener := s.listener
	if listener == nil || from == to {
		return func() {}
	}
	return func() { listener(from, to, reason) }
}

func stderrTail(proc Process) string {
	out := strings.TrimSpace(proc.Stderr())
	if out == "" {
		return ""
	}
	lines := strings.Split(out, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return ": " + strings.Join(lines, " | ")
}
