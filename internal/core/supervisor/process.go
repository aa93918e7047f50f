package supervisor

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Command is a capture process invocation. Redacted mirrors Args with auth
// material masked and is the only form that may be logged.
type Command struct {
	Name     string
	Args     []string
	Redacted []string
}

// String returns the loggable command line.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Redacted, " "))
}

// Cookie is one session cookie handed to the capture process.
type Cookie struct {
	Name  string
	Value string
}

// CookiesFromEnv resolves cookie entries against the environment. An entry
// is either NAME, read from $NAME, or NAME=VAR, read from $VAR. Entries whose
// variable is unset or empty are returned in missing.
func CookiesFromEnv(entries []string, getenv func(string) string) (cookies []Cookie, missing []string) {
	for _, entry := range entries {
		name, envVar, found := strings.Cut(entry, "=")
		if !found {
			envVar = name
		}
		value := getenv(envVar)
		if value == "" {
			missing = append(missing, envVar)
			continue
		}
		cookies = append(cookies, Cookie{Name: name, Value: value})
	}
	return cookies, missing
}

// BuildCommand assembles the streamlink-style invocation:
// <binary> [extra args] [--http-cookie NAME=VALUE]... <source> <quality> -o <output>.
func BuildCommand(opts Options) Command {
	cmd := Command{Name: opts.Binary}
	cmd.Args = append(cmd.Args, opts.ExtraArgs...)
	cmd.Redacted = append(cmd.Redacted, opts.ExtraArgs...)

	for _, c := range opts.Cookies {
		cmd.Args = append(cmd.Args, "--http-cookie", c.Name+"="+c.Value)
		cmd.Redacted = append(cmd.Redacted, "--http-cookie", c.Name+"=***")
	}

	tail := []string{opts.Source}
	if opts.Quality != "" {
		tail = append(tail, opts.Quality)
	}
	tail = append(tail, "-o", opts.OutputFile)

	cmd.Args = append(cmd.Args, tail...)
	cmd.Redacted = append(cmd.Redacted, tail...)
	return cmd
}

// Process is a running capture process.
type Process interface {
	PID() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitErr is the wait error, valid after Done is closed.
	ExitErr() error
	// Stderr returns the most recent stderr output for diagnostics.
	Stderr() string
	Terminate() error
	Kill() error
}

// Spawner starts capture processes.
type Spawner interface {
	Spawn(cmd Command) (Process, error)
}

// ExecSpawner starts real OS processes.
type ExecSpawner struct {
	StderrLimit int // bytes of stderr kept per process
}

// Spawn starts cmd. Its lifetime is independent of any request context;
// only Terminate and Kill stop it.
func (s ExecSpawner) Spawn(cmd Command) (Process, error) {
	limit := s.StderrLimit
	if limit <= 0 {
		limit = 8 * 1024
	}

	c := exec.Command(cmd.Name, cmd.Args...)
	stderr := &tailBuffer{limit: limit}
	c.Stderr = stderr

	if err := c.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{
		cmd:    c,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stderr  *tailBuffer
	done    chan struct{}
	exitErr error
}

// wait reaps the process so it never lingers as a zombie.
func (p *execProcess) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.done)
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

func (p *execProcess) Stderr() string {
	return p.stderr.String()
}

func (p *execProcess) Terminate() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", p.PID(), err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill process %d: %w", p.PID(), err)
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func exited(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
