package engine

// State is the lifecycle position of one execution.
type State string

const (
	StateConnecting State = "connecting"
	StateUploading  State = "uploading"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateKilled     State = "killed"
)

// Terminal reports whether no further transition can occur.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateKilled:
		return true
	}
	return false
}

// EventKind tags a streamed unit of execution output.
type EventKind string

const (
	EventStdout EventKind = "stdout"
	EventStderr EventKind = "stderr"
	// Exactly one of the three terminal kinds ends every event stream.
	EventExit   EventKind = "exit"
	EventError  EventKind = "error"
	EventKilled EventKind = "killed"
)

// OutputEvent is one unit of streamed data. Sequence numbers are strictly
// increasing and gapless per execution, starting at 1. Events are never
// mutated after creation.
type OutputEvent struct {
	Seq      uint64
	Kind     EventKind
	Payload  []byte
	ExitCode int    // set for exit events
	Err      string // set for error events
}

// Terminal reports whether this event closes the stream.
func (e OutputEvent) Terminal() bool {
	switch e.Kind {
	case EventExit, EventError, EventKilled:
		return true
	}
	return false
}

// crlfNormalizer rewrites the PTY line discipline's CRLF pairs back to LF,
// including pairs split across read chunks. A lone CR is passed through
// unchanged so progress-bar style rewrites still render.
//
// Mapping: "\r\n" -> "\n"; any other byte, including a bare "\r", is
// preserved. A trailing "\r" is held back until the next chunk decides
// whether it belongs to a pair; flush releases it at end of stream.
type crlfNormalizer struct {
	pendingCR bool
}

func (n *crlfNormalizer) normalize(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	out := make([]byte, 0, len(p)+1)
	if n.pendingCR {
		if p[0] != '\n' {
			out = append(out, '\r')
		}
		n.pendingCR = false
	}
	for i := 0; i < len(p); i++ {
		b := p[i]
		if b != '\r' {
			out = append(out, b)
			continue
		}
		if i == len(p)-1 {
			n.pendingCR = true
			return out
		}
		if p[i+1] == '\n' {
			continue
		}
		out = append(out, '\r')
	}
	return out
}

func (n *crlfNormalizer) flush() []byte {
	if !n.pendingCR {
		return nil
	}
	n.pendingCR = false
	return []byte{'\r'}
}
