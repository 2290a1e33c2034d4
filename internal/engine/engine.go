// Package engine runs scripts on remote machines and streams their output.
// Every execution owns its transport, PTY channel and staged file
// exclusively; the registry's execution table is the only shared state.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okessler/scriptctl/internal/execution"
)

var (
	// ErrNotFound marks an unknown execution id.
	ErrNotFound = errors.New("execution not found")
	// ErrAlreadyTerminal marks a kill of an already finished execution.
	ErrAlreadyTerminal = errors.New("execution already terminal")
	// ErrStillRunning marks a release of a non-terminal execution.
	ErrStillRunning = errors.New("execution still running")
	// ErrTooManyExecutions marks a submit beyond the configured cap.
	ErrTooManyExecutions = errors.New("too many concurrent executions")
)

// Request describes one script run. It is constructed fresh per run and not
// mutated by the engine.
type Request struct {
	Label   string // script name, for status and history
	Script  []byte
	Host    string // empty = loopback over SSH, "local" = direct
	Port    int
	User    string
	WorkDir string // empty = "/"
	Env     map[string]string
}

// Status is a point-in-time view of one execution.
type Status struct {
	ID         uuid.UUID
	Label      string
	State      State
	ExitCode   int
	Failure    string
	CleanupErr string // diagnostic only, never affects State
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Result is handed to the OnFinish hook once an execution is terminal.
type Result struct {
	ID         uuid.UUID
	Label      string
	State      State
	ExitCode   int
	Failure    string
	StartedAt  time.Time
	FinishedAt time.Time
	Output     []byte // combined normalized output in sequence order
}

// Dialer produces an authenticated transport for a request.
type Dialer func(ctx context.Context, req Request) (execution.Transport, error)

// DefaultDialer connects over SSH, or directly for the host name "local".
func DefaultDialer(logger *slog.Logger) Dialer {
	return func(ctx context.Context, req Request) (execution.Transport, error) {
		if req.Host == "local" {
			return execution.NewLocalTransport(), nil
		}
		return execution.Connect(ctx, execution.Target{Host: req.Host, Port: req.Port, User: req.User}, logger)
	}
}

// Options configures a Registry.
type Options struct {
	Logger *slog.Logger
	Dialer Dialer
	// KillGrace bounds how long a kill waits for the interrupt to be
	// honored before the session is force-closed. Default 5s.
	KillGrace time.Duration
	// MaxConcurrent caps live executions. 0 means no cap.
	MaxConcurrent int
	// OnFinish is invoked after every terminal transition, off the
	// registry lock. Used to record history.
	OnFinish func(Result)
}

const DefaultKillGrace = 5 * time.Second

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Registry tracks live and recently finished executions. All methods are
// safe for concurrent use; no execution's failure affects another.
type Registry struct {
	mu      sync.Mutex
	execs   map[uuid.UUID]*execEntry
	running int

	logger   *slog.Logger
	dialer   Dialer
	grace    time.Duration
	maxLive  int
	onFinish func(Result)
}

// New creates a Registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = DefaultDialer(logger)
	}
	grace := opts.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	return &Registry{
		execs:    make(map[uuid.UUID]*execEntry),
		logger:   logger,
		dialer:   dialer,
		grace:    grace,
		maxLive:  opts.MaxConcurrent,
		onFinish: opts.OnFinish,
	}
}

// Submit registers a new execution and starts its pipeline asynchronously.
func (r *Registry) Submit(req Request) (uuid.UUID, error) {
	e := &execEntry{
		id:      uuid.New(),
		req:     req,
		created: time.Now(),
		state:   StateConnecting,
		killCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)

	r.mu.Lock()
	if r.maxLive > 0 && r.running >= r.maxLive {
		r.mu.Unlock()
		return uuid.Nil, ErrTooManyExecutions
	}
	r.execs[e.id] = e
	r.running++
	r.mu.Unlock()

	go r.run(e)
	return e.id, nil
}

// Kill asks a non-terminal execution to stop. Unknown ids and already
// finished executions are benign and reported as such.
func (r *Registry) Kill(id uuid.UUID) error {
	e := r.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return ErrAlreadyTerminal
	}
	if !e.killRequested {
		e.killRequested = true
		close(e.killCh)
	}
	return nil
}

// Status returns the last known state of an execution, including after it
// finished.
func (r *Registry) Status(id uuid.UUID) (Status, error) {
	e := r.lookup(id)
	if e == nil {
		return Status{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked(), nil
}

// List returns statuses for every tracked execution, oldest first.
func (r *Registry) List() []Status {
	r.mu.Lock()
	entries := make([]*execEntry, 0, len(r.execs))
	for _, e := range r.execs {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.statusLocked())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Events streams the execution's output events with Seq > afterSeq, in
// strict gapless order, ending after the terminal event. A slow consumer
// backpressures only its own stream: events are appended to the execution's
// log without blocking, and each consumer drains through its own cursor, so
// nothing is ever dropped. The channel closes after the terminal event or
// when ctx is cancelled.
func (r *Registry) Events(ctx context.Context, id uuid.UUID, afterSeq uint64) (<-chan OutputEvent, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	ch := make(chan OutputEvent)
	go func() {
		defer close(ch)
		stop := context.AfterFunc(ctx, func() {
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		})
		defer stop()

		cursor := afterSeq
		for {
			e.mu.Lock()
			for e.seq <= cursor && !e.state.Terminal() && ctx.Err() == nil {
				e.cond.Wait()
			}
			start := cursor
			if start > uint64(len(e.events)) {
				start = uint64(len(e.events))
			}
			batch := e.events[start:]
			terminal := e.state.Terminal()
			e.mu.Unlock()

			for _, ev := range batch {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			cursor += uint64(len(batch))
			if terminal || ctx.Err() != nil {
				return
			}
		}
	}()
	return ch, nil
}

// Release drops a terminal execution from the table. Callers release after
// draining events so the table does not grow without bound.
func (r *Registry) Release(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.execs[id]
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	terminal := e.state.Terminal()
	e.mu.Unlock()
	if !terminal {
		return ErrStillRunning
	}
	delete(r.execs, id)
	return nil
}

// Wait blocks until the execution reaches a terminal state.
func (r *Registry) Wait(ctx context.Context, id uuid.UUID) (Status, error) {
	e := r.lookup(id)
	if e == nil {
		return Status{}, ErrNotFound
	}
	select {
	case <-e.done:
		return r.Status(id)
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (r *Registry) lookup(id uuid.UUID) *execEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.execs[id]
}

// execEntry owns one execution's mutable state. Only the runner goroutine
// and Kill mutate it, always under mu.
type execEntry struct {
	id      uuid.UUID
	req     Request
	created time.Time

	mu            sync.Mutex
	cond          *sync.Cond
	state         State
	exitCode      int
	failure       error
	cleanupErr    error
	finished      time.Time
	events        []OutputEvent
	seq           uint64
	killRequested bool

	killCh chan struct{} // closed when a kill is requested
	done   chan struct{} // closed on terminal transition
}

func (e *execEntry) statusLocked() Status {
	st := Status{
		ID:         e.id,
		Label:      e.req.Label,
		State:      e.state,
		ExitCode:   e.exitCode,
		CreatedAt:  e.created,
		FinishedAt: e.finished,
	}
	if e.failure != nil {
		st.Failure = e.failure.Error()
	}
	if e.cleanupErr != nil {
		st.CleanupErr = e.cleanupErr.Error()
	}
	return st
}

func (e *execEntry) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *execEntry) killWanted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killRequested
}

func (e *execEntry) append(kind EventKind, payload []byte) {
	e.mu.Lock()
	e.seq++
	e.events = append(e.events, OutputEvent{Seq: e.seq, Kind: kind, Payload: payload})
	e.cond.Broadcast()
	e.mu.Unlock()
}
