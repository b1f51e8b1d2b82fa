package icap

import (
	"bytes"
	"fmt"
	"io"

	"github.com/relayfleet/relayfleet/internal/copyengine"
)

// AppendMode selects one of the three strategies §4.5.3 describes for
// adapting an IMAP APPEND literal through an ICAP reqmod service.
type AppendMode int

const (
	// ModeAppendOnce: the entire literal is already buffered client-side
	// (small message); send it whole with Allow: 204.
	ModeAppendOnce AppendMode = iota
	// ModeAppendWithoutPreview: a cached prefix plus a streaming remainder,
	// sent as one bidirectional transfer with no ICAP preview.
	ModeAppendWithoutPreview
	// ModePreview: send the first N bytes as an ICAP preview and let the
	// server decide whether it needs the rest.
	ModePreview
)

// ImapMessageAdapter wraps one IMAP APPEND literal adaptation through an
// ICAP reqmod service, keyed off the literal's announced size so a
// mismatch between what the client declared and what actually arrived is
// caught rather than silently truncated or padded.
type ImapMessageAdapter struct {
	Conn           *Connection
	ServiceURL     string
	ServicePath    string
	HeaderBlock    []byte // the synthetic "APPEND <mailbox> {n}" request line wrapped as req-hdr
	AnnouncedSize  int64
	Idle           IdleCheck
}

// AdaptAppendOnce implements ModeAppendOnce: cached is the entire literal,
// already read into memory. On 204 the cached bytes are returned verbatim;
// on 200 the adapted body is read in full and returned instead.
func (a *ImapMessageAdapter) AdaptAppendOnce(cached []byte) ([]byte, error) {
	if int64(len(cached)) != a.AnnouncedSize {
		return nil, ErrMessageSizeNotMatch
	}
	ex := &Exchange{
		Conn:        a.Conn,
		ServiceURL:  a.ServiceURL,
		ServicePath: a.ServicePath,
		Kind:        Reqmod,
		HeaderBlock: a.HeaderBlock,
		Body:        bytes.NewReader(cached),
		Idle:        a.Idle,
	}
	forward, ok, err := ex.RunReqmod()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("icap: append adaptation rejected by service")
	}
	if forward == nil {
		return nil, nil // adapter signaled modification with no replacement body: drop the message
	}
	if sameReader(forward, cached) {
		return cached, nil
	}
	return io.ReadAll(forward)
}

// AdaptAppendWithoutPreview implements ModeAppendWithoutPreview: cachedPrefix
// has already been buffered (e.g. the bytes read while sniffing the
// mailbox/flags line) and remainder is the live connection continuing the
// literal. The two are concatenated into a single logical body stream and
// run through one bidirectional reqmod exchange.
func (a *ImapMessageAdapter) AdaptAppendWithoutPreview(cachedPrefix []byte, remainder io.Reader) (io.Reader, error) {
	body := io.MultiReader(bytes.NewReader(cachedPrefix), &sizeCheckedReader{r: remainder, limit: a.AnnouncedSize - int64(len(cachedPrefix))})
	ex := &Exchange{
		Conn:        a.Conn,
		ServiceURL:  a.ServiceURL,
		ServicePath: a.ServicePath,
		Kind:        Reqmod,
		HeaderBlock: a.HeaderBlock,
		Body:        body,
		Idle:        a.Idle,
	}
	if err := ex.writeRequestHead(-1); err != nil {
		return nil, fmt.Errorf("icap: sending request head: %w", err)
	}
	var sent bytes.Buffer
	resp, bodyFinished, err := BidirectionalRecvIcapResponse(io.TeeReader(ex.Body, &sent), ex.Conn, ex.Idle)
	if err != nil {
		return nil, err
	}
	if !bodyFinished && !resp.IsError() {
		// The service answered before consuming the whole literal: that's
		// only valid for a 204/200 decision, not a partial read leaving
		// bytes the client still expects acknowledged.
		return nil, fmt.Errorf("icap: service answered before literal fully sent")
	}
	switch {
	case resp.IsNoContent():
		// The upload drained body; the tee holds the complete literal.
		return &sent, nil
	case resp.IsModified():
		if resp.HasResponseBody() {
			return resp.BodyReader(), nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("icap: service returned %d %s", resp.StatusCode, resp.Reason)
	}
}

// AdaptPreview implements ModePreview: previewBytes are sent up front with
// an ICAP Preview header; rest is the remainder of the literal, supplied
// lazily so it is only read from the wire if the service asks for it via a
// "100 Continue" interim response.
func (a *ImapMessageAdapter) AdaptPreview(previewBytes []byte, rest io.Reader) (io.Reader, error) {
	ex := &Exchange{
		Conn:        a.Conn,
		ServiceURL:  a.ServiceURL,
		ServicePath: a.ServicePath,
		Kind:        Reqmod,
		HeaderBlock: a.HeaderBlock,
		Body:        bytes.NewReader(previewBytes),
		Idle:        a.Idle,
	}
	if err := ex.writeRequestHead(len(previewBytes)); err != nil {
		return nil, fmt.Errorf("icap: sending preview head: %w", err)
	}
	if err := ex.sendPreviewChunk(previewBytes, int64(len(previewBytes)) >= a.AnnouncedSize); err != nil {
		return nil, err
	}

	resp, err := ex.recvResponse()
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case 100:
		// Service wants the rest of the literal.
		remaining := copyengine.NewChunkedTransfer(copyengine.ReadUntilEnd, rest, ex.Conn, 0, copyengine.CopyConfig{})
		for {
			outcome, err := remaining.Poll()
			if err != nil {
				return nil, fmt.Errorf("icap: sending preview remainder: %w", err)
			}
			if outcome == copyengine.PollFinished {
				break
			}
		}
		resp2, err := parseResponse(ex.Conn.Br)
		if err != nil {
			return nil, err
		}
		return a.finalizePreviewResponse(resp2, previewBytes, rest)
	default:
		return a.finalizePreviewResponse(resp, previewBytes, rest)
	}
}

func (a *ImapMessageAdapter) finalizePreviewResponse(resp *Response, previewBytes []byte, rest io.Reader) (io.Reader, error) {
	switch {
	case resp.IsNoContent():
		return io.MultiReader(bytes.NewReader(previewBytes), rest), nil
	case resp.IsModified() || resp.IsPartial():
		if resp.HasResponseBody() {
			return resp.BodyReader(), nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("icap: service returned %d %s", resp.StatusCode, resp.Reason)
	}
}

// sendPreviewChunk writes the preview bytes as one chunk, followed by the
// ICAP preview terminator: "0; ieof\r\n\r\n" if this preview is the entire
// message, "0\r\n\r\n" otherwise.
func (e *Exchange) sendPreviewChunk(preview []byte, isEntireMessage bool) error {
	var buf bytes.Buffer
	if len(preview) > 0 {
		fmt.Fprintf(&buf, "%x\r\n", len(preview))
		buf.Write(preview)
		buf.WriteString("\r\n")
	}
	if isEntireMessage {
		buf.WriteString("0; ieof\r\n\r\n")
	} else {
		buf.WriteString("0\r\n\r\n")
	}
	_, err := e.Conn.Write(buf.Bytes())
	return err
}

// sizeCheckedReader reads at most limit bytes from a reader and then reports
// io.EOF; bytes past limit are left unread. It fails with
// ErrMessageSizeNotMatch when the underlying reader ends before limit bytes
// have been read — a client that under-delivers a literal's declared size.
type sizeCheckedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (s *sizeCheckedReader) Read(p []byte) (int, error) {
	if s.read >= s.limit {
		return 0, io.EOF
	}
	want := int64(len(p))
	if remaining := s.limit - s.read; want > remaining {
		want = remaining
	}
	n, err := s.r.Read(p[:want])
	s.read += int64(n)
	if err == io.EOF && s.read < s.limit {
		return n, ErrMessageSizeNotMatch
	}
	return n, err
}

// sameReader reports whether forward is exactly the cached bytes reader
// unmodified (i.e. a 204 bounced the literal back), so AdaptAppendOnce can
// skip a redundant full read-back.
func sameReader(forward io.Reader, cached []byte) bool {
	br, ok := forward.(*bytes.Reader)
	return ok && br.Size() == int64(len(cached))
}
