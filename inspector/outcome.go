package inspector

import "fmt"

type Label int

const (
	LabelNone Label = iota
	LabelHTTP10
	LabelHTTP11
	LabelHTTP2
)

// String returns the application protocol name handed to later stages.
func (l Label) String() string {
	switch l {
	case LabelHTTP10:
		return "http/1.0"
	case LabelHTTP11:
		return "http/1.1"
	case LabelHTTP2:
		return "h2c"
	default:
		return ""
	}
}

type Kind int

const (
	KindPending Kind = iota
	KindDetected
	KindReadError
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindPending:
		return "pending"
	case KindDetected:
		return "detected"
	case KindReadError:
		return "read_error"
	case KindExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of matching the buffered bytes. Pending only drives
// another read; every other kind is terminal.
type Outcome struct {
	Kind  Kind
	label Label
	Err   error
}

var Pending = Outcome{Kind: KindPending}

func Detected(label Label) Outcome {
	return Outcome{Kind: KindDetected, label: label}
}

func ReadError(err error) Outcome {
	return Outcome{Kind: KindReadError, Err: err}
}

func Exhausted() Outcome {
	return Outcome{Kind: KindExhausted}
}

func (o Outcome) Terminal() bool {
	return o.Kind != KindPending
}

// Label is the protocol to report. Exhausted and ReadError report LabelNone.
func (o Outcome) Label() Label {
	if o.Kind != KindDetected {
		return LabelNone
	}
	return o.label
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindDetected:
		if o.label == LabelNone {
			return "detected(none)"
		}
		return "detected(" + o.label.String() + ")"
	case KindReadError:
		return fmt.Sprintf("read_error(%v)", o.Err)
	default:
		return o.Kind.String()
	}
}
