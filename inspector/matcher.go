package inspector

import (
	"golang.org/x/net/http2"
)

// Matcher classifies the bytes of one inspection. Every call to Match must
// pass the same bytes as the previous call plus any new arrivals; the matcher
// resumes where it stopped instead of rescanning.
type Matcher struct {
	limit           int
	prefaceRuledOut bool
	line            requestLine
}

func NewMatcher(limit int) *Matcher {
	if limit <= 0 || limit > MaxInspectSize {
		limit = MaxInspectSize
	}
	return &Matcher{limit: limit}
}

// Classify matches data from scratch. It is a pure function of data.
func Classify(data []byte) Outcome {
	return NewMatcher(MaxInspectSize).Match(data)
}

func (m *Matcher) Reset() {
	m.prefaceRuledOut = false
	m.line = requestLine{}
}

func (m *Matcher) Match(data []byte) Outcome {
	outcome := m.match(data)
	if !outcome.Terminal() && len(data) >= m.limit {
		return Exhausted()
	}
	return outcome
}

func (m *Matcher) match(data []byte) Outcome {
	// The preface is checked byte-exactly first: "PRI * HTTP/2.0" is also a
	// well-formed HTTP/1 request line with an unsupported version.
	if !m.prefaceRuledOut {
		n := min(len(data), len(http2.ClientPreface))
		if string(data[:n]) == http2.ClientPreface[:n] {
			if n == len(http2.ClientPreface) {
				return Detected(LabelHTTP2)
			}
			return Pending
		}
		m.prefaceRuledOut = true
	}

	return m.line.advance(data)
}

type linePhase int

const (
	phaseMethod linePhase = iota
	phaseTarget
	phaseVersion
	phaseLF
	phaseDone
)

// requestLine parses method SP request-target SP HTTP-version CRLF, stopping
// at the edge of the available input and resuming there on the next call.
type requestLine struct {
	phase   linePhase
	pos     int
	mark    int
	outcome Outcome
}

var httpVersionPrefix = []byte("HTTP/")

const httpVersionLen = len("HTTP/1.1")

func (r *requestLine) advance(data []byte) Outcome {
	if r.phase == phaseDone {
		return r.outcome
	}

	for ; r.pos < len(data); r.pos++ {
		b := data[r.pos]

		switch r.phase {
		case phaseMethod:
			// method = token
			if httpTchar[b] {
				continue
			}
			// Empty lines before the request line are skipped (RFC 9112 section 2.2).
			if r.pos == r.mark && (b == '\r' || b == '\n') {
				r.mark++
				continue
			}
			if b != ' ' || r.pos == r.mark {
				return r.finish(LabelNone)
			}
			r.phase, r.mark = phaseTarget, r.pos+1

		case phaseTarget:
			if b == ' ' {
				if r.pos == r.mark {
					return r.finish(LabelNone)
				}
				r.phase, r.mark = phaseVersion, r.pos+1
				continue
			}
			if b <= ' ' || b == 0x7f {
				return r.finish(LabelNone)
			}

		case phaseVersion:
			// HTTP-version = "HTTP/" DIGIT "." DIGIT
			k := r.pos - r.mark
			switch {
			case k < len(httpVersionPrefix):
				if b != httpVersionPrefix[k] {
					return r.finish(LabelNone)
				}
			case k == 5 || k == 7:
				if b < '0' || b > '9' {
					return r.finish(LabelNone)
				}
			case k == 6:
				if b != '.' {
					return r.finish(LabelNone)
				}
			case b == '\r':
				r.phase = phaseLF
			case b == '\n':
				// A bare LF line ending is tolerated.
				return r.finish(versionLabel(data[r.mark : r.mark+httpVersionLen]))
			default:
				return r.finish(LabelNone)
			}

		case phaseLF:
			if b != '\n' {
				return r.finish(LabelNone)
			}
			return r.finish(versionLabel(data[r.mark : r.mark+httpVersionLen]))
		}
	}

	return Pending
}

func (r *requestLine) finish(label Label) Outcome {
	r.phase = phaseDone
	r.outcome = Detected(label)
	return r.outcome
}

func versionLabel(version []byte) Label {
	switch string(version) {
	case "HTTP/1.0":
		return LabelHTTP10
	case "HTTP/1.1":
		return LabelHTTP11
	default:
		return LabelNone
	}
}

// httpTchar reports the token characters of RFC 9110 section 5.6.2.
var httpTchar = func() (t [256]bool) {
	for c := '0'; c <= '9'; c++ {
		t[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		t[c] = true
		t[c-'a'+'A'] = true
	}
	for _, c := range "!#$%&'*+-.^_`|~" {
		t[c] = true
	}
	return t
}()
