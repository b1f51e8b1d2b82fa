package copyengine

import (
	"fmt"
	"io"
)

// StreamToChunkedTransfer rewrites an opaque byte stream into HTTP chunked
// encoding, one buffer fill at a time: each poll step that reads data emits
// a "<hex-size>\r\n<data>\r\n" chunk; EOF emits the terminator chunk.
type StreamToChunkedTransfer struct {
	reader         io.Reader
	writer         io.Writer
	buf            []byte
	pendingTrailer bool

	active   bool
	finished bool

	totalRead int64
}

func newStreamToChunkedTransfer(r io.Reader, w io.Writer, bufferSize int, pendingTrailer bool) *StreamToChunkedTransfer {
	if bufferSize <= 0 {
		bufferSize = 32 * 1024
	}
	return &StreamToChunkedTransfer{
		reader:         r,
		writer:         w,
		buf:            make([]byte, bufferSize),
		pendingTrailer: pendingTrailer,
	}
}

// NewStreamToChunkedTransferNoTrailer builds a transfer that terminates the
// chunked stream with "0\r\n\r\n" — no trailer headers follow.
func NewStreamToChunkedTransferNoTrailer(r io.Reader, w io.Writer, bufferSize int) *StreamToChunkedTransfer {
	return newStreamToChunkedTransfer(r, w, bufferSize, false)
}

// NewStreamToChunkedTransferPendingTrailer builds a transfer that terminates
// with "0\r\n" only; the caller is responsible for writing trailer headers
// followed by the final "\r\n".
func NewStreamToChunkedTransferPendingTrailer(r io.Reader, w io.Writer, bufferSize int) *StreamToChunkedTransfer {
	return newStreamToChunkedTransfer(r, w, bufferSize, true)
}

// Poll advances the encoding by one read of the source stream.
func (t *StreamToChunkedTransfer) Poll() (PollOutcome, error) {
	if t.finished {
		return PollFinished, nil
	}

	n, err := t.reader.Read(t.buf)
	if n > 0 {
		t.active = true
		t.totalRead += int64(n)
		if _, werr := fmt.Fprintf(t.writer, "%x\r\n", n); werr != nil {
			return PollProgress, &WriteFailedError{Err: werr}
		}
		if _, werr := t.writer.Write(t.buf[:n]); werr != nil {
			return PollProgress, &WriteFailedError{Err: werr}
		}
		if _, werr := io.WriteString(t.writer, "\r\n"); werr != nil {
			return PollProgress, &WriteFailedError{Err: werr}
		}
	}

	if err != nil {
		if err != io.EOF {
			return PollProgress, &ReadFailedError{Err: err}
		}
		if _, werr := io.WriteString(t.writer, "0\r\n"); werr != nil {
			return PollProgress, &WriteFailedError{Err: werr}
		}
		if !t.pendingTrailer {
			if _, werr := io.WriteString(t.writer, "\r\n"); werr != nil {
				return PollProgress, &WriteFailedError{Err: werr}
			}
		}
		t.finished = true
		return PollFinished, nil
	}

	return PollProgress, nil
}

func (t *StreamToChunkedTransfer) IsIdle() bool       { return !t.active }
func (t *StreamToChunkedTransfer) ResetActive()       { t.active = false }
func (t *StreamToChunkedTransfer) NoCachedData() bool { return true }
func (t *StreamToChunkedTransfer) Finished() bool     { return t.finished }

// BodyType names the shape of an inbound HTTP body being converted to
// chunked encoding on the way to the next hop.
type BodyType int

const (
	// ContentLength is a body with a known, fixed length.
	ContentLength BodyType = iota
	// ReadUntilEnd is a body with no declared length, read until EOF.
	ReadUntilEnd
	// ChunkedWithoutTrailer is already chunked-encoded with no trailer.
	ChunkedWithoutTrailer
	// ChunkedWithTrailer is already chunked-encoded with a trailer section.
	ChunkedWithTrailer
)

type chunkedState int

const (
	stateSendHead chunkedState = iota
	stateCopy
	stateEncode
	stateSendEnd
	stateEnd
)

// ChunkedTransfer converts an HTTP body of any BodyType into a chunked wire
// stream, driven one Poll step at a time. For ContentLength it emits a
// single chunk-size header up front then copies the declared number of
// bytes verbatim; for ReadUntilEnd it re-chunks on every buffer fill; for
// the already-chunked variants it copies the wire bytes through unchanged.
type ChunkedTransfer struct {
	bodyType BodyType
	writer   io.Writer
	state    chunkedState

	copier  *StreamCopy
	encoder *StreamToChunkedTransfer

	remaining int64
	finished  bool
}

// NewChunkedTransfer builds a transfer for the given body type. length is
// the declared content length for ContentLength bodies; ignored otherwise.
func NewChunkedTransfer(bodyType BodyType, reader io.Reader, writer io.Writer, length int64, cfg CopyConfig) *ChunkedTransfer {
	ct := &ChunkedTransfer{bodyType: bodyType, writer: writer, remaining: length}
	switch bodyType {
	case ContentLength:
		ct.copier = NewStreamCopy(io.LimitReader(reader, length), writer, cfg)
		ct.state = stateSendHead
	case ReadUntilEnd:
		ct.encoder = NewStreamToChunkedTransferNoTrailer(reader, writer, cfg.BufferSize)
		ct.state = stateEncode
	default: // ChunkedWithoutTrailer, ChunkedWithTrailer
		ct.copier = NewStreamCopy(reader, writer, cfg)
		ct.state = stateCopy
	}
	return ct
}

// NewChunkedTransferAfterPreview builds a transfer for a body whose opening
// bytes were already consumed by an ICAP preview: reader must already be
// positioned past the preview, and remainingLength is what's left of a
// ContentLength body (ignored for the other body types).
func NewChunkedTransferAfterPreview(bodyType BodyType, reader io.Reader, writer io.Writer, remainingLength int64, cfg CopyConfig) *ChunkedTransfer {
	return NewChunkedTransfer(bodyType, reader, writer, remainingLength, cfg)
}

// Poll advances the transfer by one step.
func (c *ChunkedTransfer) Poll() (PollOutcome, error) {
	switch c.state {
	case stateSendHead:
		if _, err := fmt.Fprintf(c.writer, "%x\r\n", c.remaining); err != nil {
			return PollProgress, &WriteFailedError{Err: err}
		}
		c.state = stateCopy
		return PollProgress, nil

	case stateCopy:
		outcome, err := c.copier.Poll()
		if err != nil {
			return outcome, err
		}
		if outcome != PollFinished {
			return outcome, nil
		}
		if c.bodyType == ContentLength {
			c.state = stateSendEnd
			return PollProgress, nil
		}
		c.finished = true
		c.state = stateEnd
		return PollFinished, nil

	case stateEncode:
		outcome, err := c.encoder.Poll()
		if err != nil {
			return outcome, err
		}
		if outcome == PollFinished {
			c.finished = true
			c.state = stateEnd
		}
		return outcome, nil

	case stateSendEnd:
		// Close the single data chunk and append the zero-size terminator
		// chunk; a zero-length body's head was already the "0\r\n" line.
		end := "\r\n"
		if c.remaining > 0 {
			end = "\r\n0\r\n\r\n"
		}
		if _, err := io.WriteString(c.writer, end); err != nil {
			return PollProgress, &WriteFailedError{Err: err}
		}
		c.finished = true
		c.state = stateEnd
		return PollFinished, nil

	default: // stateEnd
		return PollFinished, nil
	}
}

func (c *ChunkedTransfer) IsIdle() bool {
	if c.copier != nil {
		return c.copier.IsIdle()
	}
	return c.encoder.IsIdle()
}

func (c *ChunkedTransfer) ResetActive() {
	if c.copier != nil {
		c.copier.ResetActive()
	}
	if c.encoder != nil {
		c.encoder.ResetActive()
	}
}

func (c *ChunkedTransfer) NoCachedData() bool {
	if c.copier != nil {
		return c.copier.NoCachedData()
	}
	return c.encoder.NoCachedData()
}

func (c *ChunkedTransfer) Finished() bool { return c.finished }
