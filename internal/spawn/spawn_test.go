package spawn_test

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/openpkg/spawnd/internal/spawn"
	"github.com/stretchr/testify/require"
)

// recorder collects line and exit events from a Spawner.
type recorder struct {
	mx     sync.Mutex
	lines  []string
	exits  []spawn.ExitClass
	exitCh chan spawn.ExitClass
}

func newRecorder() *recorder {
	return &recorder{
		exitCh: make(chan spawn.ExitClass, 4),
	}
}

func (r *recorder) line(_ context.Context, line string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.lines = append(r.lines, line)
}

func (r *recorder) exit(_ context.Context, class spawn.ExitClass) {
	r.mx.Lock()
	r.exits = append(r.exits, class)
	r.mx.Unlock()
	r.exitCh <- class
}

func (r *recorder) lineCount() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.lines)
}

func (r *recorder) allLines() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *recorder) exitCount() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.exits)
}

func (r *recorder) waitExit(t *testing.T, timeout time.Duration) spawn.ExitClass {
	t.Helper()
	select {
	case class := <-r.exitCh:
		return class
	case <-time.After(timeout):
		t.Fatalf("no exit event within %v", timeout)
		return spawn.ExitUnknown
	}
}

func TestRunMissingExecutable(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s := spawn.New(rec.line, rec.exit)

	err := s.Run(t.Context(), []string{"spawnd-missing-helper.sh"}, nil)
	require.Error(t, err)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)

	// a failed spawn must not produce an exit event
	require.Never(t, func() bool {
		return rec.exitCount() > 0
	}, 300*time.Millisecond, 50*time.Millisecond)
	require.False(t, s.Alive())
}

func TestRunOneShot(t *testing.T) {
	t.Parallel()
	requireShell(t)
	rec := newRecorder()
	s := spawn.New(rec.line, rec.exit)

	err := s.Run(t.Context(), []string{"./testdata/emit-lines.sh"}, nil)
	require.NoError(t, err)

	class := rec.waitExit(t, 10*time.Second)
	require.Equal(t, spawn.ExitSuccess, class)
	require.Equal(t, 15, rec.lineCount())
	require.Equal(t, 1, rec.exitCount())
	require.False(t, s.Alive())
}

func TestEnvPropagation(t *testing.T) {
	t.Parallel()
	requireShell(t)
	rec := newRecorder()
	s := spawn.New(rec.line, rec.exit)

	envp := []string{
		"http_proxy=username:password@server:port",
		"ftp_proxy=username:password@server:port",
	}
	err := s.Run(t.Context(), []string{"./testdata/proxy-env.sh"}, envp)
	require.NoError(t, err)

	class := rec.waitExit(t, 10*time.Second)
	require.Equal(t, spawn.ExitSuccess, class)
	require.Equal(t, []string{
		"http_proxy=username:password@server:port",
		"ftp_proxy=username:password@server:port",
	}, rec.allLines())
}

func TestKillForced(t *testing.T) {
	t.Parallel()
	requireShell(t)
	rec := newRecorder()
	s := spawn.New(rec.line, rec.exit)
	ctx := t.Context()

	err := s.Run(ctx, []string{"./testdata/emit-lines.sh"}, nil)
	require.NoError(t, err)

	time.Sleep(time.Second)
	require.NoError(t, s.Kill(ctx))

	class := rec.waitExit(t, 5*time.Second)
	require.Equal(t, spawn.ExitSigkill, class)

	// a second kill has nothing to signal anymore
	require.ErrorIs(t, s.Kill(ctx), spawn.ErrAlreadyFinished)
}

func TestKillPolite(t *testing.T) {
	t.Parallel()
	requireShell(t)
	rec := newRecorder()
	s := spawn.New(rec.line, rec.exit)
	ctx := t.Context()

	err := s.Run(ctx, []string{"./testdata/trap-sigquit.sh"}, nil)
	require.NoError(t, err)

	time.Sleep(time.Second)
	require.NoError(t, s.Kill(ctx))

	class := rec.waitExit(t, 2*time.Second)
	require.Equal(t, spawn.ExitSigquit, class)
}

func TestNoChild(t *testing.T) {
	t.Parallel()
	s := spawn.New(nil, nil)
	ctx := t.Context()

	require.ErrorIs(t, s.Kill(ctx), spawn.ErrAlreadyFinished)
	require.ErrorIs(t, s.SendExit(ctx), spawn.ErrAlreadyFinished)
	require.False(t, s.Alive())
	require.NoError(t, s.Close())
}

func TestPartialLastLine(t *testing.T) {
	t.Parallel()
	sh := requireShell(t)
	rec := newRecorder()
	s := spawn.New(rec.line, rec.exit)

	err := s.Run(t.Context(), []string{sh, "-c", `printf 'one\ntwo'`}, nil)
	require.NoError(t, err)

	class := rec.waitExit(t, 5*time.Second)
	require.Equal(t, spawn.ExitSuccess, class)
	// "two" never got its newline, so it is not a line event
	require.Equal(t, []string{"one"}, rec.allLines())
}

func TestBlankLines(t *testing.T) {
	t.Parallel()
	sh := requireShell(t)
	rec := newRecorder()
	s := spawn.New(rec.line, rec.exit)

	err := s.Run(t.Context(), []string{sh, "-c", `printf 'a\n\nb\n'`}, nil)
	require.NoError(t, err)

	class := rec.waitExit(t, 5*time.Second)
	require.Equal(t, spawn.ExitSuccess, class)
	// blank lines are consumed without an event
	require.Equal(t, []string{"a", "b"}, rec.allLines())
}

func TestDispatcher(t *testing.T) {
	t.Parallel()
	requireShell(t)
	rec := newRecorder()
	s := spawn.New(rec.line, rec.exit)
	ctx := t.Context()

	argv := []string{"./testdata/dispatcher.sh", "search-name", "none", "power manager"}
	require.NoError(t, s.Run(ctx, argv, nil))

	// the dispatcher answers the first request and then idles on stdin
	time.Sleep(2 * time.Second)
	require.True(t, s.Alive())
	require.Equal(t, 2, rec.lineCount())

	// identical descriptor gets written to the live child
	require.NoError(t, s.Run(ctx, argv, nil))
	require.Eventually(t, func() bool {
		return rec.lineCount() == 4
	}, 2*time.Second, 20*time.Millisecond)
	require.True(t, s.Alive())

	// cooperative exit; a second request while the first is in flight is
	// rejected instead of queued
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.SendExit(ctx)
	}()
	time.Sleep(100 * time.Millisecond)
	require.ErrorIs(t, s.SendExit(ctx), spawn.ErrExitInProgress)
	require.NoError(t, <-errCh)

	require.Equal(t, spawn.ExitDispatcherExit, rec.waitExit(t, time.Second))
	require.False(t, s.Alive())
	require.ErrorIs(t, s.SendExit(ctx), spawn.ErrAlreadyFinished)

	// relaunching the identical descriptor is a fresh process, not a reuse
	require.NoError(t, s.Run(ctx, argv, nil))
	require.True(t, s.Alive())
	require.Eventually(t, func() bool {
		return rec.lineCount() == 6
	}, 2*time.Second, 20*time.Millisecond)

	go func() {
		errCh <- s.SendExit(ctx)
	}()
	require.NoError(t, <-errCh)
	require.Equal(t, spawn.ExitDispatcherExit, rec.waitExit(t, time.Second))
}

func TestDispatcherRotation(t *testing.T) {
	t.Parallel()
	requireShell(t)
	rec := newRecorder()
	s := spawn.New(rec.line, rec.exit)
	ctx := t.Context()

	argv := []string{"./testdata/dispatcher.sh", "search-name", "none", "power manager"}
	require.NoError(t, s.Run(ctx, argv, nil))
	require.Eventually(t, func() bool {
		return rec.lineCount() == 2
	}, 2*time.Second, 20*time.Millisecond)

	// different executable retires the dispatcher before the new spawn;
	// the retiring child's terminal event is delivered before Run returns,
	// so it can never be blamed on output of the replacement
	require.NoError(t, s.Run(ctx, []string{"./testdata/emit-lines.sh"}, nil))
	require.Equal(t, 1, rec.exitCount())
	require.Equal(t, spawn.ExitDispatcherChanged, rec.waitExit(t, 3*time.Second))

	require.Equal(t, spawn.ExitSuccess, rec.waitExit(t, 10*time.Second))
	require.Equal(t, 2+15, rec.lineCount())
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}
