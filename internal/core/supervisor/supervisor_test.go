package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"facestream/internal/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	exitErr    error
	stderr     string
	ignoreTerm bool

	mu         sync.Mutex
	terminated bool
	killed     bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		close(p.done)
	})
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Stderr() string        { return p.stderr }

func (p *fakeProcess) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	if !p.ignoreTerm {
		p.exit(errors.New("signal: terminated"))
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeSpawner records every spawned process and counts spawns that happened
// while an earlier process was still alive.
type fakeSpawner struct {
	mu         sync.Mutex
	procs      []*fakeProcess
	cmds       []Command
	overlaps   int
	err        error
	onSpawn    func(cmd Command, p *fakeProcess)
	ignoreTerm bool
}

func (s *fakeSpawner) Spawn(cmd Command) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, prev := range s.procs {
		if !exited(prev) {
			s.overlaps++
		}
	}
	p := newFakeProcess(1000 + len(s.procs))
	p.ignoreTerm = s.ignoreTerm
	s.procs = append(s.procs, p)
	s.cmds = append(s.cmds, cmd)
	if s.onSpawn != nil {
		s.onSpawn(cmd, p)
	}
	return p, nil
}

func (s *fakeSpawner) spawned() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

type fakeProbe struct {
	err error
}

func (p *fakeProbe) Probe(path string) error {
	return p.err
}

func writeArtifact(size int) func(cmd Command, p *fakeProcess) {
	return func(cmd Command, p *fakeProcess) {
		path := cmd.Args[len(cmd.Args)-1]
		_ = os.WriteFile(path, make([]byte, size), 0644)
	}
}

func testOptions(t *testing.T) Options {
	return Options{
		Source:          "https://www.youtube.com/watch?v=live",
		OutputFile:      filepath.Join(t.TempDir(), "live.ts"),
		Binary:          "streamlink",
		Quality:         "best",
		ExtraArgs:       []string{"--force"},
		StartTimeout:    300 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		MinArtifactSize: 1024,
		TerminateGrace:  50 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, spawner *fakeSpawner, probe FrameProbe) *Supervisor {
	s := New(testOptions(t), spawner, probe)
	s.SetStatsFunc(nil)
	return s
}

func TestInitReachesReadyWhenArtifactDecodes(t *testing.T) {
	spawner := &fakeSpawner{onSpawn: writeArtifact(2048)}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	start := time.Now()
	status, err := s.Init(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), s.opts.StartTimeout)
	assert.Equal(t, StateReady, status.State)
	assert.True(t, status.Ready)
	assert.True(t, status.Healthy)
	assert.True(t, status.ProcessRunning)
	assert.True(t, status.ArtifactExists)
	assert.Equal(t, int64(2048), status.ArtifactSize)
	assert.Equal(t, 1000, status.PID)
	assert.Empty(t, status.Error)
}

func TestInitFailsWhenArtifactNeverAppears(t *testing.T) {
	spawner := &fakeSpawner{}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	status, err := s.Init(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSourceTimeout)
	assert.Equal(t, StateFailed, status.State)
	assert.NotEmpty(t, status.Error)
	assert.False(t, s.IsHealthy())
}

func TestInitFailsWhenArtifactTooSmall(t *testing.T) {
	spawner := &fakeSpawner{onSpawn: writeArtifact(1024)}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	_, err := s.Init(context.Background())
	assert.ErrorIs(t, err, models.ErrSourceTimeout)
}

func TestInitFailsWhenFrameDoesNotDecode(t *testing.T) {
	spawner := &fakeSpawner{onSpawn: writeArtifact(4096)}
	s := newTestSupervisor(t, spawner, &fakeProbe{err: errors.New("truncated packet")})

	status, err := s.Init(context.Background())
	assert.ErrorIs(t, err, models.ErrSourceTimeout)
	assert.Equal(t, StateFailed, status.State)
}

func TestInitFailsWhenProcessExitsEarly(t *testing.T) {
	spawner := &fakeSpawner{onSpawn: func(cmd Command, p *fakeProcess) {
		p.stderr = "[cli][info] Found matching plugin youtube\nerror: No playable streams found on this URL\n"
		p.exit(errors.New("exit status 1"))
	}}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	start := time.Now()
	status, err := s.Init(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSourceUnavailable)
	assert.Less(t, time.Since(start), s.opts.StartTimeout)
	assert.Equal(t, StateFailed, status.State)
	assert.Contains(t, status.Error, "No playable streams found")
	assert.False(t, status.ProcessRunning)
}

func TestInitFailsOnSpawnError(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New(`exec: "streamlink": executable file not found in $PATH`)}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	status, err := s.Init(context.Background())
	assert.ErrorIs(t, err, models.ErrSourceUnavailable)
	assert.Equal(t, StateFailed, status.State)
	assert.Contains(t, status.Error, "executable file not found")
}

func TestInitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	spawner := &fakeSpawner{onSpawn: func(Command, *fakeProcess) { cancel() }}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	status, err := s.Init(ctx)
	assert.ErrorIs(t, err, models.ErrCancellationRequested)
	assert.Equal(t, StateFailed, status.State)
}

func TestRestartTerminatesPreviousProcessFirst(t *testing.T) {
	spawner := &fakeSpawner{onSpawn: writeArtifact(2048)}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	_, err := s.Init(context.Background())
	require.NoError(t, err)

	status, err := s.Restart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReady, status.State)

	procs := spawner.spawned()
	require.Len(t, procs, 2)
	assert.True(t, procs[0].wasTerminated())
	assert.False(t, procs[0].wasKilled())
	assert.False(t, procs[1].wasTerminated())
	assert.Zero(t, spawner.overlaps)
	assert.Equal(t, 1001, status.PID)
}

func TestRestartKillsProcessIgnoringTerminate(t *testing.T) {
	spawner := &fakeSpawner{onSpawn: writeArtifact(2048), ignoreTerm: true}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	_, err := s.Init(context.Background())
	require.NoError(t, err)
	_, err = s.Restart(context.Background())
	require.NoError(t, err)

	procs := spawner.spawned()
	require.Len(t, procs, 2)
	assert.True(t, procs[0].wasTerminated())
	assert.True(t, procs[0].wasKilled())
	assert.Zero(t, spawner.overlaps)
}

func TestRestartRecoversFromFailed(t *testing.T) {
	probe := &fakeProbe{err: errors.New("no frames")}
	spawner := &fakeSpawner{onSpawn: writeArtifact(2048)}
	s := newTestSupervisor(t, spawner, probe)

	_, err := s.Init(context.Background())
	require.Error(t, err)

	probe.err = nil
	status, err := s.Restart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReady, status.State)
	assert.Empty(t, status.Error)
	assert.Zero(t, spawner.overlaps)
}

func TestIsHealthyDowngradesWhenProcessDies(t *testing.T) {
	spawner := &fakeSpawner{onSpawn: writeArtifact(2048)}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	_, err := s.Init(context.Background())
	require.NoError(t, err)
	require.True(t, s.IsHealthy())

	spawner.spawned()[0].exit(errors.New("exit status 0"))

	assert.False(t, s.IsHealthy())
	status := s.Status()
	assert.Equal(t, StateUnhealthy, status.State)
	assert.Contains(t, status.Error, models.ErrSourceUnhealthy.Error())
	assert.False(t, status.ProcessRunning)
	// The supervisor reports but never restarts on its own.
	assert.Len(t, spawner.spawned(), 1)
}

func TestIsHealthyDowngradesWhenArtifactRemoved(t *testing.T) {
	spawner := &fakeSpawner{onSpawn: writeArtifact(2048)}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	_, err := s.Init(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(s.OutputFile()))

	assert.False(t, s.IsHealthy())
	assert.Equal(t, StateUnhealthy, s.Status().State)
}

func TestCleanupReturnsToUninitialized(t *testing.T) {
	spawner := &fakeSpawner{onSpawn: writeArtifact(2048)}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	_, err := s.Init(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Cleanup())

	status := s.Status()
	assert.Equal(t, StateUninitialized, status.State)
	assert.False(t, status.ArtifactExists)
	assert.False(t, status.ProcessRunning)
	assert.False(t, s.IsHealthy())
	assert.True(t, spawner.spawned()[0].wasTerminated())
	_, err = os.Stat(s.OutputFile())
	assert.True(t, os.IsNotExist(err))
}

func TestInitRemovesStaleArtifact(t *testing.T) {
	spawner := &fakeSpawner{}
	s := newTestSupervisor(t, spawner, &fakeProbe{})
	require.NoError(t, os.WriteFile(s.OutputFile(), make([]byte, 4096), 0644))

	_, err := s.Init(context.Background())
	assert.ErrorIs(t, err, models.ErrSourceTimeout)
	assert.False(t, s.Status().ArtifactExists)
}

func TestInitAsyncNotifiesListener(t *testing.T) {
	spawner := &fakeSpawner{onSpawn: writeArtifact(2048)}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	var mu sync.Mutex
	var transitions []string
	s.SetListener(func(from, to State, reason string) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	h := s.InitAsync(context.Background())
	status, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateReady, status.State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"uninitialized->starting", "starting->ready"}, transitions)
}

func TestStatusDoesNotBlockDuringStart(t *testing.T) {
	opts := testOptions(t)
	opts.StartTimeout = 5 * time.Second
	s := New(opts, &fakeSpawner{}, &fakeProbe{})
	s.SetStatsFunc(nil)

	ctx, cancel := context.WithCancel(context.Background())
	h := s.InitAsync(ctx)

	require.Eventually(t, func() bool {
		return s.Status().State == StateStarting && s.Status().ProcessRunning
	}, time.Second, 5*time.Millisecond)
	assert.False(t, s.IsHealthy())

	cancel()
	_, err := h.Wait()
	assert.ErrorIs(t, err, models.ErrCancellationRequested)
}

func TestBuildCommandRedactsCookies(t *testing.T) {
	opts := testOptions(t)
	opts.Cookies = []Cookie{{Name: "SID", Value: "secret-sid"}, {Name: "HSID", Value: "secret-hsid"}}

	cmd := BuildCommand(opts)

	assert.Equal(t, "streamlink", cmd.Name)
	assert.Equal(t, []string{
		"--force",
		"--http-cookie", "SID=secret-sid",
		"--http-cookie", "HSID=secret-hsid",
		opts.Source, "best", "-o", opts.OutputFile,
	}, cmd.Args)
	assert.NotContains(t, cmd.String(), "secret")
	assert.Contains(t, cmd.String(), "SID=***")
	assert.Len(t, cmd.Redacted, len(cmd.Args))
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	b := &tailBuffer{limit: 8}
	_, _ = b.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", b.String())
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "456789ab", b.String())
}

func TestStderrTailKeepsLastLines(t *testing.T) {
	p := newFakeProcess(1)
	p.stderr = strings.Repeat("line\n", 10) + "last"
	assert.Equal(t, ": line | line | line | line | last", stderrTail(p))
}

func TestCookiesFromEnv(t *testing.T) {
	env := map[string]string{"auth_token": "secret", "FACESTREAM_SESSION": "abc"}

	cookies, missing := CookiesFromEnv([]string{"auth_token", "sessionid=FACESTREAM_SESSION", "missing"},
		func(key string) string { return env[key] })

	assert.Equal(t, []Cookie{
		{Name: "auth_token", Value: "secret"},
		{Name: "sessionid", Value: "abc"},
	}, cookies)
	assert.Equal(t, []string{"missing"}, missing)
}

func TestFailedStartStopsCaptureProcess(t *testing.T) {
	spawner := &fakeSpawner{}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	status, err := s.Init(context.Background())
	require.ErrorIs(t, err, models.ErrSourceTimeout)

	procs := spawner.spawned()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].wasTerminated())
	assert.True(t, exited(procs[0]))
	assert.False(t, status.ProcessRunning)
	assert.Zero(t, status.PID)
}

func TestCancelledStartKillsStubbornProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	spawner := &fakeSpawner{ignoreTerm: true, onSpawn: func(Command, *fakeProcess) { cancel() }}
	s := newTestSupervisor(t, spawner, &fakeProbe{})

	status, err := s.Init(ctx)
	require.ErrorIs(t, err, models.ErrCancellationRequested)

	procs := spawner.spawned()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].wasKilled())
	assert.False(t, status.ProcessRunning)
}

func TestInspectArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live.ts")

	info := InspectArtifact(path)
	assert.Equal(t, path, info.Path)
	assert.False(t, info.Exists)
	assert.Zero(t, info.Size)

	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0644))
	info = InspectArtifact(path)
	assert.True(t, info.Exists)
	assert.Equal(t, int64(512), info.Size)
	assert.False(t, info.ModifiedAt.IsZero())
}
