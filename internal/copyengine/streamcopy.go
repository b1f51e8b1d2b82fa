// Package copyengine implements the byte-moving primitives shared by every
// tunnel and body-adaptation path in the fleet: a poll-driven stream copier,
// a chunked-encoding adapter, a shared idle watchdog, and per-leaf egress
// rate limiting. None of these block forever on their own — each exposes a
// single Poll step so a caller (a server's forwarder task, an ICAP
// bidirectional recv) can interleave copying with other readiness checks.
package copyengine

import (
	"fmt"
	"io"
)

// CopyConfig bounds a StreamCopy's scratch buffer and per-poll write budget.
type CopyConfig struct {
	BufferSize int
	YieldSize  int
}

func (c CopyConfig) normalized() CopyConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 32 * 1024
	}
	if c.YieldSize <= 0 {
		c.YieldSize = c.BufferSize
	}
	return c
}

// PollOutcome is the result of a single poll step.
type PollOutcome int

const (
	// PollProgress means the step moved some bytes (or none were available
	// yet) but the caller should poll again without yielding elsewhere.
	PollProgress PollOutcome = iota
	// PollYieldPending means the step moved at least YieldSize bytes this
	// call and the caller should give other work a turn before polling again.
	PollYieldPending
	// PollFinished means the underlying reader reached EOF and every
	// buffered byte has been written out.
	PollFinished
)

func (o PollOutcome) String() string {
	switch o {
	case PollProgress:
		return "progress"
	case PollYieldPending:
		return "yield_pending"
	case PollFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// ReadFailedError blames the source reader for a copy failure.
type ReadFailedError struct{ Err error }

func (e *ReadFailedError) Error() string { return fmt.Sprintf("copyengine: read failed: %v", e.Err) }
func (e *ReadFailedError) Unwrap() error { return e.Err }

// WriteFailedError blames the destination writer for a copy failure.
type WriteFailedError struct{ Err error }

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("copyengine: write failed: %v", e.Err)
}
func (e *WriteFailedError) Unwrap() error { return e.Err }

// StreamCopy pairs a reader with a writer behind a scratch buffer and a
// cursor. Poll advances the copy by at most one buffer fill and one partial
// or full drain; it never blocks beyond the single Read/Write call it makes.
type StreamCopy struct {
	reader io.Reader
	writer io.Writer
	cfg    CopyConfig

	buf    []byte
	bufLen int
	bufPos int

	eof      bool
	finished bool
	active   bool
	noCached bool

	totalRead    int64
	totalWritten int64
}

// NewStreamCopy builds a StreamCopy ready for polling.
func NewStreamCopy(r io.Reader, w io.Writer, cfg CopyConfig) *StreamCopy {
	cfg = cfg.normalized()
	return &StreamCopy{
		reader:   r,
		writer:   w,
		cfg:      cfg,
		buf:      make([]byte, cfg.BufferSize),
		noCached: true,
	}
}

// Poll advances the copy by one step. See the package doc for the shape of
// PollOutcome; ReadFailedError/WriteFailedError distinguish which side of
// the copy broke.
func (s *StreamCopy) Poll() (PollOutcome, error) {
	if s.finished {
		return PollFinished, nil
	}

	if s.bufPos >= s.bufLen && !s.eof {
		n, err := s.reader.Read(s.buf)
		if n > 0 {
			s.bufLen = n
			s.bufPos = 0
			s.active = true
			s.noCached = false
			s.totalRead += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				s.eof = true
				if n == 0 {
					s.finished = true
					s.noCached = true
					return PollFinished, nil
				}
			} else {
				return PollProgress, &ReadFailedError{Err: err}
			}
		}
	}

	moved := 0
	if s.bufPos < s.bufLen {
		n, err := s.writer.Write(s.buf[s.bufPos:s.bufLen])
		if n > 0 {
			s.bufPos += n
			s.active = true
			s.totalWritten += int64(n)
			moved += n
		}
		if err != nil {
			return PollProgress, &WriteFailedError{Err: err}
		}
	}

	if s.bufPos >= s.bufLen {
		s.bufLen = 0
		s.bufPos = 0
		s.noCached = true
		if s.eof {
			s.finished = true
			return PollFinished, nil
		}
	}

	if moved >= s.cfg.YieldSize {
		return PollYieldPending, nil
	}
	return PollProgress, nil
}

// IsIdle reports whether any progress has been observed since ResetActive.
func (s *StreamCopy) IsIdle() bool { return !s.active }

// ResetActive clears the progress flag; called by the idle wheel each tick.
func (s *StreamCopy) ResetActive() { s.active = false }

// NoCachedData reports whether the scratch buffer is empty — safe to drop
// the copy without losing in-flight bytes.
func (s *StreamCopy) NoCachedData() bool { return s.noCached }

// Finished reports whether the source reached EOF and all bytes drained.
func (s *StreamCopy) Finished() bool { return s.finished }

// TotalRead returns the cumulative bytes read from the source.
func (s *StreamCopy) TotalRead() int64 { return s.totalRead }

// TotalWritten returns the cumulative bytes written to the destination.
func (s *StreamCopy) TotalWritten() int64 { return s.totalWritten }
