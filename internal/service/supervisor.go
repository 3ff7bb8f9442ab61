package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/openpkg/spawnd/internal/history"
	"github.com/openpkg/spawnd/internal/log"
	"github.com/openpkg/spawnd/internal/model"
	"github.com/openpkg/spawnd/internal/spawn"
)

const (
	// dispatchTimeout bounds a single dispatch, including a possible
	// dispatcher rotation.
	dispatchTimeout = 30 * time.Second
	// exitTimeout bounds the cooperative shutdown of the dispatcher.
	exitTimeout = 5 * time.Second
)

// Request is one unit of work for the backend: the arguments appended to the
// configured backend command line, or written as one tab-joined line to a
// live dispatcher.
type Request struct {
	ID   uuid.UUID
	Args []string
}

// NewRequest assigns a fresh identifier to a backend request.
func NewRequest(args ...string) Request {
	return Request{ID: uuid.New(), Args: args}
}

// exitEvent is the terminal event of one child together with a snapshot of
// the requests it served and the lines it emitted. The snapshot is taken at
// the moment the child goes away, so a rotation cannot misattribute requests
// dispatched to the replacement child.
type exitEvent struct {
	class spawn.ExitClass
	open  []Request
	lines int
}

// Supervisor owns the daemon's one Spawner and dispatches queued requests
// through it, persisting every invocation in the history database when one
// is configured.
type Supervisor struct {
	cfg       model.Config
	spawner   *spawn.Spawner
	db        *sql.DB
	requests  chan Request
	exits     chan exitEvent
	scheduler gocron.Scheduler

	mx    sync.Mutex
	open  []Request // dispatched, awaiting the child's terminal event
	lines int       // stdout lines seen since the last terminal event
}

func NewSupervisor(ctx context.Context, cfg model.Config) (*Supervisor, error) {
	s := &Supervisor{
		cfg:      cfg,
		requests: make(chan Request, 16),
		exits:    make(chan exitEvent, 4),
	}
	s.spawner = spawn.New(s.onLine, s.onExit, spawn.WithNice(cfg.Backend.SpawnNiceValue))

	if cfg.HistoryEnabled() {
		db, err := history.InitDB(ctx, cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing history: %w", err)
		}
		s.db = db
	}

	if cfg.Schedule != nil {
		request := cfg.Schedule.Request
		scheduler, err := newScheduler(ctx, cfg.Schedule, func() {
			s.Submit(NewRequest(request...))
		})
		if err != nil {
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
		s.scheduler = scheduler
	}

	return s, nil
}

// Submit queues one backend request. It returns immediately; the outcome is
// observable through the history database and the daemon log.
func (s *Supervisor) Submit(req Request) {
	s.requests <- req
}

// Do runs the supervisor event loop until ctx is cancelled. It multiplexes
// three concerns:
//  1. Queued requests (s.requests) are dispatched through the Spawner,
//     reusing a live dispatcher when the descriptor matches.
//  2. Terminal exit events (s.exits) finalize the history rows of every
//     request served by the child that went away.
//  3. Context cancellation retires a live dispatcher (cooperative exit,
//     then the polite-then-forced kill) before returning.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	if s.db != nil {
		defer func() {
			if err := s.db.Close(); err != nil {
				slog.ErrorContext(ctx, "closing history has failed", "error", err)
			}
		}()
	}

	defer func() {
		_ = s.spawner.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(context.WithoutCancel(ctx))
			return nil
		case req := <-s.requests:
			s.dispatch(ctx, req)
		case ev := <-s.exits:
			s.finish(ctx, ev)
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, req Request) {
	ctx = log.ContextAttrs(ctx, slog.String("invocation", req.ID.String()))

	argv := s.cfg.Backend.Argv(req.Args...)
	envp := s.cfg.Backend.Envp()

	s.beginHistory(ctx, req, argv[0])

	runCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	err := s.spawner.Run(runCtx, argv, envp)
	if err != nil {
		slog.ErrorContext(ctx, "dispatching request failed", "argv0", argv[0], "error", err)
		s.drop(ctx, req)
		return
	}

	// only now is the request owned by the live child; a rotation inside
	// Run has already snapshotted and closed out the previous one
	s.mx.Lock()
	s.open = append(s.open, req)
	s.mx.Unlock()
	slog.InfoContext(ctx, "request dispatched", "argv0", argv[0], "args", req.Args)
}

// finish closes out every request served by the child that just went away.
func (s *Supervisor) finish(ctx context.Context, ev exitEvent) {
	slog.InfoContext(ctx, "backend exited",
		"class", ev.class.String(), "lines", ev.lines, "requests", len(ev.open))
	if s.db == nil {
		return
	}
	for _, req := range ev.open {
		err := history.Finish(ctx, s.db, req.ID.String(), ev.class.String(), ev.lines)
		if err != nil {
			slog.ErrorContext(ctx, "finishing history row failed",
				"invocation", req.ID.String(), "error", err)
		}
	}
}

// shutdown retires a live dispatcher on the way out. The in-band exit
// request gets a bounded wait; a dispatcher that overstays it is killed.
func (s *Supervisor) shutdown(ctx context.Context) {
	if !s.spawner.Alive() {
		return
	}
	exitCtx, cancel := context.WithTimeout(ctx, exitTimeout)
	defer cancel()
	err := s.spawner.SendExit(exitCtx)
	if err != nil && !errors.Is(err, spawn.ErrAlreadyFinished) {
		slog.WarnContext(ctx, "dispatcher did not exit on request, killing", "error", err)
		kerr := s.spawner.Kill(ctx)
		if kerr != nil && !errors.Is(kerr, spawn.ErrAlreadyFinished) {
			slog.ErrorContext(ctx, "killing dispatcher failed", "error", kerr)
		}
	}

	// finalize whatever the poll loop still reports before leaving
	select {
	case ev := <-s.exits:
		s.finish(ctx, ev)
	case <-time.After(exitTimeout):
		slog.WarnContext(ctx, "no exit event before the shutdown deadline")
	}
}

func (s *Supervisor) beginHistory(ctx context.Context, req Request, argv0 string) {
	if s.db == nil {
		return
	}
	err := history.Begin(ctx, s.db, req.ID.String(), argv0, strings.Join(req.Args, "\t"))
	if err != nil {
		slog.ErrorContext(ctx, "recording invocation failed", "error", err)
	}
}

// drop finalizes the history row of a request that never reached the
// backend.
func (s *Supervisor) drop(ctx context.Context, req Request) {
	if s.db == nil {
		return
	}
	err := history.Finish(ctx, s.db, req.ID.String(), "spawn-failed", 0)
	if err != nil {
		slog.ErrorContext(ctx, "finishing history row failed", "error", err)
	}
}

// onLine runs on the Spawner's poll goroutine.
func (s *Supervisor) onLine(ctx context.Context, line string) {
	s.mx.Lock()
	s.lines++
	s.mx.Unlock()
	slog.DebugContext(ctx, "backend output", "line", line)
}

// onExit runs on the Spawner's poll goroutine. The open-request snapshot is
// taken here, while the dead child is still the only child these requests
// can belong to; the history write is left to the Do loop, since the poll
// must not block.
func (s *Supervisor) onExit(ctx context.Context, class spawn.ExitClass) {
	s.mx.Lock()
	ev := exitEvent{class: class, open: s.open, lines: s.lines}
	s.open = nil
	s.lines = 0
	s.mx.Unlock()

	select {
	case s.exits <- ev:
	default:
		slog.ErrorContext(ctx, "exit event queue full, dropping", "class", class.String())
	}
}

func newScheduler(ctx context.Context, cfgp *model.Schedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("schedule is nil")
	}
	cfg := *cfgp
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var job gocron.JobDefinition
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "scheduling standing request", "cron", cfg.Cron)
	} else {
		d, err := cfg.Interval()
		if err != nil {
			return nil, fmt.Errorf("parsing schedule.each: %w", err)
		}
		slog.DebugContext(ctx, "scheduling standing request", "each", d.String())
		job = gocron.DurationJob(d)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
