// Package spawn supervises a single helper child process on behalf of the
// packaging daemon. A Spawner owns at most one child at a time, frames the
// child's stdout into line events, and knows three ways to make a child go
// away: an in-band "exit" request, a polite SIGQUIT and, half a second later,
// an unignorable SIGKILL.
//
// Long-lived children are dispatchers: they accept one request per line on
// stdin and stream results on stdout. When a new invocation names the same
// executable and environment as the live dispatcher, the request is written
// to its stdin instead of spawning a fresh process.
package spawn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// pollDelay is the period of the drain/reap timer.
	pollDelay = 50 * time.Millisecond
	// sigkillDelay is how long a child gets to act on SIGQUIT before
	// SIGKILL follows.
	sigkillDelay = 500 * time.Millisecond

	readChunk = 4096
)

// LineFunc receives one complete stdout line, without the trailing newline.
type LineFunc func(ctx context.Context, line string)

// ExitFunc receives the terminal exit classification, once per child, after
// all line events for that child.
type ExitFunc func(ctx context.Context, class ExitClass)

// Option configures a Spawner.
type Option func(*Spawner)

// WithNice sets the scheduling priority applied to every spawned child.
// Values outside [-20, 19] are clamped, zero leaves the priority alone.
func WithNice(nice int) Option {
	return func(s *Spawner) {
		s.nice = nice
	}
}

type child struct {
	pid    int
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	waitCh chan error
}

// Spawner runs helper processes one at a time. The zero value is not usable,
// construct with New. All methods are safe for concurrent use; callbacks run
// on the internal poll goroutine, so line events and the exit event of one
// child never interleave, and a caller blocked in SendExit or in a dispatcher
// rotation resumes only after both callbacks for the retiring child returned.
type Spawner struct {
	onLine LineFunc
	onExit ExitFunc
	nice   int

	mx        sync.Mutex
	child     *child
	buf       bytes.Buffer
	finished  bool
	class     ExitClass
	reason    shutdownReason
	reaped    chan struct{}
	killTimer *time.Timer
	lastArgv0 string
	lastEnvp  []string
}

// New returns a Spawner delivering stdout lines to onLine and the terminal
// classification to onExit. Either callback may be nil.
func New(onLine LineFunc, onExit ExitFunc, opts ...Option) *Spawner {
	s := &Spawner{
		onLine: onLine,
		onExit: onExit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run launches argv with environment envp, or hands the request to the live
// dispatcher when the executable and environment match the one already
// running. A mismatch retires the current dispatcher first: it is asked to
// exit, the caller blocks until it is reaped, and only then is the new child
// spawned. envp may be nil, in which case the child inherits this process
// environment.
//
// On a fresh spawn no output has been read yet when Run returns; line and
// exit events arrive later on the poll goroutine. A spawn failure reports no
// exit event at all.
func (s *Spawner) Run(ctx context.Context, argv, envp []string) error {
	if len(argv) == 0 {
		return errors.New("argv must have at least one element")
	}

	s.mx.Lock()
	for s.child != nil && s.child.stdin != nil {
		if s.reason == reasonNone {
			if Reusable(argv[0], envp, s.lastArgv0, s.lastEnvp) {
				err := s.sendLocked(strings.Join(argv[1:], "\t"))
				if err == nil {
					slog.DebugContext(ctx, "reusing dispatcher", "argv0", argv[0])
					s.mx.Unlock()
					return nil
				}
				slog.WarnContext(ctx, "dispatcher write failed, rotating", "error", err)
			} else {
				slog.DebugContext(ctx, "dispatcher does not match, rotating",
					"argv0", argv[0], "last_argv0", s.lastArgv0)
			}
		}
		if err := s.rotateLocked(ctx); err != nil {
			s.mx.Unlock()
			return err
		}
		// another caller may have spawned meanwhile, re-evaluate
	}

	err := s.launchLocked(ctx, argv, envp)
	s.mx.Unlock()
	return err
}

// SendExit writes the literal line "exit" to the dispatcher and blocks until
// the child is reaped or ctx is done. A second call while one is still in
// flight returns ErrExitInProgress without queueing another request.
func (s *Spawner) SendExit(ctx context.Context) error {
	s.mx.Lock()
	if s.reason != reasonNone {
		s.mx.Unlock()
		slog.WarnContext(ctx, "already sending exit, ignoring")
		return ErrExitInProgress
	}
	s.reason = reasonExit
	err := s.sendLocked("exit")
	if err != nil {
		s.reason = reasonNone
		s.mx.Unlock()
		return err
	}
	reaped := s.reaped
	s.mx.Unlock()

	select {
	case <-reaped:
	case <-ctx.Done():
		s.mx.Lock()
		s.reason = reasonNone
		s.mx.Unlock()
		return ctx.Err()
	}

	s.mx.Lock()
	s.reason = reasonNone
	s.mx.Unlock()
	slog.DebugContext(ctx, "dispatcher exited on request")
	return nil
}

// Kill sends SIGQUIT to the child and arms a timer which follows up with
// SIGKILL after sigkillDelay in case the child ignores the polite signal.
func (s *Spawner) Kill(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.killLocked(ctx)
}

// Alive reports whether a child is live and its stdin is still open.
func (s *Spawner) Alive() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.child != nil && s.child.stdin != nil
}

// Close retires a still-running child with the polite-then-forced kill. It
// does not wait for the reap; the exit event still fires.
func (s *Spawner) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.child == nil {
		return nil
	}
	return s.killLocked(context.Background())
}

// rotateLocked retires the live dispatcher and waits for it to be reaped.
// The lock is held on entry and on return, and released while waiting. When
// another exit request is already in flight, rotation just waits for that
// reap instead of sending a second request.
func (s *Spawner) rotateLocked(ctx context.Context) error {
	if s.reason == reasonNone {
		s.reason = reasonRotate
		if err := s.sendLocked("exit"); err != nil {
			// the dispatcher cannot be asked nicely, make sure it
			// is gone before a new child takes its place
			slog.WarnContext(ctx, "exit request failed, killing dispatcher", "error", err)
			if kerr := s.killLocked(ctx); kerr != nil {
				s.reason = reasonNone
				return kerr
			}
		}
	}
	reaped := s.reaped
	s.mx.Unlock()

	select {
	case <-reaped:
	case <-ctx.Done():
		s.mx.Lock()
		s.reason = reasonNone
		return ctx.Err()
	}

	s.mx.Lock()
	s.reason = reasonNone
	return nil
}

func (s *Spawner) launchLocked(ctx context.Context, argv, envp []string) error {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = envp
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	slog.DebugContext(ctx, "spawning helper", "argv0", argv[0], "args", argv[1:])
	if err := cmd.Start(); err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return fmt.Errorf("spawning %s: %w", argv[0], err)
	}
	// the child owns these ends now
	_ = stdinR.Close()
	_ = stdoutW.Close()

	// the pump must never block on a quiet child
	if err := setNonblock(stdoutR); err != nil {
		slog.WarnContext(ctx, "setting stdout pipe non-blocking failed", "error", err)
	}

	c := &child{
		pid:    cmd.Process.Pid,
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		waitCh: make(chan error, 1),
	}
	s.applyNice(ctx, c.pid)

	s.child = c
	s.finished = false
	s.class = ExitUnknown
	s.buf.Reset()
	s.reaped = make(chan struct{})
	s.lastArgv0 = argv[0]
	s.lastEnvp = append([]string(nil), envp...)

	go func() {
		c.waitCh <- c.cmd.Wait()
	}()
	go s.poll(context.WithoutCancel(ctx), c)
	return nil
}

// applyNice renices the child when a non-zero priority is configured.
// The child may exit before the call lands; either way failure is not fatal.
func (s *Spawner) applyNice(ctx context.Context, pid int) {
	nice := min(max(s.nice, -20), 19)
	if nice == 0 {
		return
	}
	slog.DebugContext(ctx, "renicing child", "pid", pid, "nice", nice)
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err != nil {
		slog.WarnContext(ctx, "renice failed", "pid", pid, "nice", nice, "error", err)
	}
}

// poll drives the drain/reap cycle until the child is gone.
func (s *Spawner) poll(ctx context.Context, c *child) {
	t := time.NewTicker(pollDelay)
	defer t.Stop()
	for range t.C {
		if s.tick(ctx, c) {
			return
		}
	}
}

// tick drains stdout, emits complete lines and checks whether the child has
// exited. It reports true once the child is reaped and the poll must stop.
func (s *Spawner) tick(ctx context.Context, c *child) bool {
	s.mx.Lock()
	if s.finished || s.child != c {
		s.mx.Unlock()
		slog.DebugContext(ctx, "tick for a finished child, ignoring", "pid", c.pid)
		return true
	}

	s.drainLocked(c)
	lines := s.takeLinesLocked()

	var waitErr error
	exited := false
	select {
	case waitErr = <-c.waitCh:
		exited = true
	default:
	}
	if !exited {
		s.mx.Unlock()
		s.emitLines(ctx, lines)
		return false
	}

	// the child is gone, whatever is left in the pipe is readable now
	s.drainLocked(c)
	lines = append(lines, s.takeLinesLocked()...)

	_ = c.stdin.Close()
	_ = c.stdout.Close()
	s.child = nil
	s.finished = true
	if s.killTimer != nil {
		s.killTimer.Stop()
		s.killTimer = nil
	}
	class := s.classifyLocked(waitErr)
	s.class = class
	reaped := s.reaped
	s.mx.Unlock()

	s.emitLines(ctx, lines)
	slog.DebugContext(ctx, "child exited", "pid", c.pid, "class", class.String())
	if s.onExit != nil {
		s.onExit(ctx, class)
	}
	// only now may a waiter inside SendExit or rotation resume: the terminal
	// event's subscribers have run, so nothing observes the replacement child
	// before the retiring one is fully reported
	close(reaped)
	return true
}

// classifyLocked resolves the terminal classification at reap time. A class
// set deliberately by the kill path wins; a waiter on the exit request is
// reported as a dispatcher shutdown; otherwise the exit code decides.
func (s *Spawner) classifyLocked(waitErr error) ExitClass {
	if s.class == ExitSigquit || s.class == ExitSigkill {
		return s.class
	}
	switch s.reason {
	case reasonRotate:
		return ExitDispatcherChanged
	case reasonExit:
		return ExitDispatcherExit
	}
	if s.class != ExitUnknown {
		return s.class
	}
	if exitCode(waitErr) > 0 {
		return ExitFailed
	}
	return ExitSuccess
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (s *Spawner) killLocked(ctx context.Context) error {
	if s.finished || s.child == nil {
		slog.WarnContext(ctx, "already finished, ignoring kill")
		return ErrAlreadyFinished
	}
	if s.class == ExitUnknown {
		s.class = ExitSigquit
	}
	pid := s.child.pid
	slog.DebugContext(ctx, "sending SIGQUIT", "pid", pid)
	if err := unix.Kill(pid, unix.SIGQUIT); err != nil {
		slog.WarnContext(ctx, "SIGQUIT refused", "pid", pid, "error", err)
		return fmt.Errorf("%w: %v", ErrSignalRefused, err)
	}

	// the child might not handle SIGQUIT at all
	if s.killTimer == nil {
		s.killTimer = time.AfterFunc(sigkillDelay, func() {
			s.forceKill(context.WithoutCancel(ctx))
		})
	}
	return nil
}

// forceKill fires once from the kill timer. At this point the polite signal
// demonstrably failed, so SIGKILL overrides the tentative SIGQUIT class.
func (s *Spawner) forceKill(ctx context.Context) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.finished || s.child == nil {
		slog.DebugContext(ctx, "already finished, ignoring SIGKILL")
		return
	}
	s.class = ExitSigkill
	pid := s.child.pid
	slog.DebugContext(ctx, "sending SIGKILL", "pid", pid)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		slog.WarnContext(ctx, "SIGKILL refused", "pid", pid, "error", err)
	}
}

// sendLocked writes one command line to the child's stdin, with exactly one
// trailing newline. The write is attempted once; a short write is an
// instruction to the caller to rotate the dispatcher.
func (s *Spawner) sendLocked(command string) error {
	if s.finished || s.child == nil || s.child.stdin == nil {
		return ErrAlreadyFinished
	}
	buf := []byte(command + "\n")
	n, err := s.child.stdin.Write(buf)
	if err != nil {
		return fmt.Errorf("writing to child stdin: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(buf))
	}
	return nil
}

// drainLocked moves all currently readable bytes from the child's stdout
// pipe into the buffer. The pipe is non-blocking; the pass ends as soon as a
// read would block.
func (s *Spawner) drainLocked(c *child) {
	conn, err := c.stdout.SyscallConn()
	if err != nil {
		return
	}
	var tmp [readChunk]byte
	_ = conn.Read(func(fd uintptr) bool {
		for {
			n, rerr := unix.Read(int(fd), tmp[:])
			if n > 0 {
				s.buf.Write(tmp[:n])
			}
			if rerr == unix.EINTR {
				continue
			}
			// EAGAIN, EOF or a real error all end the pass; true
			// tells the runtime not to wait for readability
			if n <= 0 || rerr != nil {
				return true
			}
		}
	})
}

// takeLinesLocked cuts every complete line out of the buffer, excluding the
// newline itself. A trailing partial line stays for the next pump.
func (s *Spawner) takeLinesLocked() []string {
	var lines []string
	for {
		raw := s.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			return lines
		}
		line := string(raw[:i])
		s.buf.Next(i + 1)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
}

func setNonblock(f *os.File) error {
	conn, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	cerr := conn.Control(func(fd uintptr) {
		serr = unix.SetNonblock(int(fd), true)
	})
	if cerr != nil {
		return cerr
	}
	return serr
}

func (s *Spawner) emitLines(ctx context.Context, lines []string) {
	if s.onLine == nil {
		return
	}
	for _, line := range lines {
		s.onLine(ctx, line)
	}
}
