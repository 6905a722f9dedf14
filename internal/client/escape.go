package client

// escapeState is the position within the ~. escape sequence.
type escapeState int

const (
	lineStart escapeState = iota // start of a command or just after \r or \n
	midLine
	sawTilde // ~ at line start, held back
)

// EscapeProcessor filters keyboard bytes forwarded to a running shell
// command. "~." at the start of a line asks for the command to be
// terminated; "~~" sends a single tilde. Any other byte after a held tilde
// releases both.
type EscapeProcessor struct {
	state escapeState
	out   []byte
}

// NewEscapeProcessor returns a processor at line start, so ~. works as the
// very first input.
func NewEscapeProcessor() *EscapeProcessor {
	return &EscapeProcessor{}
}

// Process returns the bytes to forward and whether the terminate escape
// was seen. Input after the escape is dropped. The returned slice is only
// valid until the next call.
func (e *EscapeProcessor) Process(input []byte) (fwd []byte, terminate bool) {
	e.out = e.out[:0]
	for _, b := range input {
		switch e.state {
		case sawTilde:
			switch b {
			case '.':
				e.state = lineStart
				return e.out, true
			case '~':
				e.out = append(e.out, '~')
				e.state = midLine
				continue
			}
			e.out = append(e.out, '~')
		case lineStart:
			if b == '~' {
				e.state = sawTilde
				continue
			}
		}
		e.out = append(e.out, b)
		if b == '\r' || b == '\n' {
			e.state = lineStart
		} else {
			e.state = midLine
		}
	}
	return e.out, false
}

// Holding reports whether a tilde is held back waiting for the next byte.
func (e *EscapeProcessor) Holding() bool { return e.state == sawTilde }

// Reset returns the processor to line start.
func (e *EscapeProcessor) Reset() {
	e.state = lineStart
	e.out = e.out[:0]
}
