package inspector

import (
	"fmt"

	"httpsniff/socket"
)

type State int

const (
	StateIdle State = iota
	StateWaiting
	StateReading
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting_for_readiness"
	case StateReading:
		return "reading"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Inspection drives one connection's detection. It is not safe for concurrent
// use; it lives on the event loop that owns the connection.
type Inspection struct {
	buf     *Buffer
	matcher Matcher
	state   State
	outcome Outcome
}

func NewInspection(buf *Buffer) *Inspection {
	in := &Inspection{}
	in.Reset(buf)
	return in
}

// Reset prepares the inspection for a new connection using buf, which is
// emptied.
func (in *Inspection) Reset(buf *Buffer) {
	buf.Reset()
	in.buf = buf
	in.matcher = Matcher{limit: buf.Cap()}
	in.state = StateIdle
	in.outcome = Pending
}

// Arm marks the inspection as registered for readiness.
func (in *Inspection) Arm() {
	if in.state == StateIdle {
		in.state = StateWaiting
	}
}

// OnReadable handles one readiness notification: a single peek followed by a
// match over everything buffered so far.
func (in *Inspection) OnReadable(sock socket.Peeker) Outcome {
	if in.state == StateDone {
		return in.outcome
	}

	in.state = StateReading
	_, status, err := in.buf.Fill(sock)

	switch status {
	case StatusWouldBlock:
		in.state = StateWaiting
		return Pending
	case StatusClosed:
		return in.finish(Detected(LabelNone))
	case StatusError:
		return in.finish(ReadError(err))
	}

	return in.match()
}

// Feed is the push equivalent of OnReadable for callers that receive bytes
// instead of peeking a socket. Bytes past the buffer capacity are ignored.
func (in *Inspection) Feed(p []byte) Outcome {
	if in.state == StateDone {
		return in.outcome
	}
	if len(p) == 0 {
		return Pending
	}

	in.state = StateReading
	in.buf.Append(p)

	return in.match()
}

// OnEOF ends a pending inspection because no more bytes will arrive.
func (in *Inspection) OnEOF() Outcome {
	if in.state == StateDone {
		return in.outcome
	}
	return in.finish(Detected(LabelNone))
}

func (in *Inspection) match() Outcome {
	outcome := in.matcher.Match(in.buf.Bytes())
	if outcome.Terminal() {
		return in.finish(outcome)
	}

	in.state = StateWaiting
	return Pending
}

func (in *Inspection) finish(outcome Outcome) Outcome {
	in.state = StateDone
	in.outcome = outcome
	return outcome
}

func (in *Inspection) State() State {
	return in.state
}

func (in *Inspection) Outcome() Outcome {
	return in.outcome
}

func (in *Inspection) Buffer() *Buffer {
	return in.buf
}
