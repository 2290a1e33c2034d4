package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/okessler/scriptctl/internal/execution"
)

const cleanupTimeout = 5 * time.Second

// RuntimeError marks a transport that dropped while the script was running,
// as opposed to a clean exit or an explicit kill.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string { return fmt.Sprintf("connection lost mid-run: %v", e.Err) }
func (e *RuntimeError) Unwrap() error { return e.Err }

// stagePath is unique per execution; concurrent runs against the same host
// can never collide, and the id makes the name unguessable.
func stagePath(id uuid.UUID) string {
	return fmt.Sprintf("/tmp/scriptctl_%s.sh", id)
}

// run drives one execution through the pipeline. It is the only goroutine
// that transitions the entry's state.
func (r *Registry) run(e *execEntry) {
	logger := r.logger.With("execution", e.id.String(), "script", e.req.Label)

	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	// Connect/upload/start block on the network; a kill during these
	// phases cancels them instead of waiting for the process that never
	// started.
	phaseCtx, cancelPhases := context.WithCancel(context.Background())
	defer cancelPhases()
	phasesDone := make(chan struct{})
	defer close(phasesDone)
	go func() {
		select {
		case <-e.killCh:
			cancelPhases()
		case <-phasesDone:
		}
	}()

	tr, err := r.dialer(phaseCtx, e.req)
	if err != nil {
		if e.killWanted() {
			r.finalize(e, nil, "", StateKilled, -1, nil)
			return
		}
		logger.Error("connection failed", "err", err)
		r.finalize(e, nil, "", StateFailed, -1, err)
		return
	}
	defer tr.Close()

	if e.killWanted() {
		r.finalize(e, tr, "", StateKilled, -1, nil)
		return
	}

	e.setState(StateUploading)
	path := stagePath(e.id)
	if err := tr.Stage(phaseCtx, path, e.req.Script); err != nil {
		if e.killWanted() {
			r.finalize(e, tr, path, StateKilled, -1, nil)
			return
		}
		logger.Error("script staging failed", "path", path, "err", err)
		// The write may have left a partial artifact behind.
		r.finalize(e, tr, path, StateFailed, -1, err)
		return
	}

	if e.killWanted() {
		r.finalize(e, tr, path, StateKilled, -1, nil)
		return
	}

	e.setState(StateStarting)
	workDir := e.req.WorkDir
	if workDir == "" {
		workDir = "/"
	}
	proc, err := tr.Start(phaseCtx, execution.Command{Path: path, WorkDir: workDir, Env: e.req.Env})
	if err != nil {
		if e.killWanted() {
			r.finalize(e, tr, path, StateKilled, -1, nil)
			return
		}
		logger.Error("session start failed", "err", err)
		r.finalize(e, tr, path, StateFailed, -1, err)
		return
	}

	e.setState(StateRunning)
	logger.Debug("script running", "path", path)

	waitDone := make(chan struct{})
	escalated := make(chan struct{})
	go func() {
		defer close(escalated)
		select {
		case <-waitDone:
			return
		case <-e.killCh:
		}
		e.append(EventStderr, []byte("\n[killing execution]\n"))
		_ = proc.Interrupt()
		select {
		case <-waitDone:
		case <-time.After(r.grace):
			// The remote ignored the interrupt; tear the channel down
			// and mark the run killed regardless.
			logger.Warn("kill grace period expired, closing session", "grace", r.grace)
			_ = proc.Kill()
			_ = tr.Close()
		}
	}()

	out := proc.Output()
	var norm crlfNormalizer
	buf := make([]byte, 4096)
	for {
		n, rerr := out.Read(buf)
		if n > 0 {
			if chunk := norm.normalize(buf[:n]); len(chunk) > 0 {
				e.append(EventStdout, chunk)
			}
		}
		if rerr != nil {
			break
		}
	}
	if tail := norm.flush(); len(tail) > 0 {
		e.append(EventStdout, tail)
	}

	code, waitErr := proc.Wait()
	close(waitDone)
	<-escalated

	switch {
	case e.killWanted():
		r.finalize(e, tr, path, StateKilled, -1, nil)
	case waitErr != nil:
		logger.Error("session ended abnormally", "err", waitErr)
		r.finalize(e, tr, path, StateFailed, -1, &RuntimeError{Err: waitErr})
	default:
		// A non-zero script exit is a normal completed run.
		r.finalize(e, tr, path, StateCompleted, code, nil)
	}
}

// finalize removes the staged script if one was written, records the
// terminal state, and emits the single terminal event. Cleanup failures go
// to the diagnostic side (status field and log) and never change the
// outcome: a lost connection can make removal impossible, and the user's
// result should reflect the script, not housekeeping.
func (r *Registry) finalize(e *execEntry, tr execution.Transport, stagedPath string, end State, code int, failure error) {
	var cleanupErr error
	if tr != nil && stagedPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		cleanupErr = tr.Remove(ctx, stagedPath)
		cancel()
		if cleanupErr != nil {
			r.logger.Warn("staged script not removed",
				"execution", e.id.String(), "path", stagedPath, "err", cleanupErr)
		}
	}

	e.mu.Lock()
	e.state = end
	e.exitCode = code
	e.failure = failure
	e.cleanupErr = cleanupErr
	e.finished = time.Now()
	e.seq++
	terminal := OutputEvent{Seq: e.seq}
	switch end {
	case StateCompleted:
		terminal.Kind = EventExit
		terminal.ExitCode = code
	case StateKilled:
		terminal.Kind = EventKilled
	default:
		terminal.Kind = EventError
		if failure != nil {
			terminal.Err = failure.Error()
		}
	}
	e.events = append(e.events, terminal)
	e.cond.Broadcast()
	close(e.done)
	result := Result{
		ID:         e.id,
		Label:      e.req.Label,
		State:      end,
		ExitCode:   code,
		StartedAt:  e.created,
		FinishedAt: e.finished,
		Output:     combinedOutput(e.events),
	}
	if failure != nil {
		result.Failure = failure.Error()
	}
	e.mu.Unlock()

	r.logger.Info("execution finished",
		"execution", e.id.String(), "script", e.req.Label, "state", string(end), "exit", code)
	if r.onFinish != nil {
		r.onFinish(result)
	}
}

func combinedOutput(events []OutputEvent) []byte {
	var out []byte
	for _, ev := range events {
		if ev.Kind == EventStdout || ev.Kind == EventStderr {
			out = append(out, ev.Payload...)
		}
	}
	return out
}
