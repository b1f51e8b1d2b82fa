package icap

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/relayfleet/relayfleet/internal/copyengine"
)

// MessageKind distinguishes a reqmod exchange (adapting a client request)
// from a respmod exchange (adapting an upstream response).
type MessageKind int

const (
	Reqmod MessageKind = iota
	Respmod
)

func (k MessageKind) icapMethod() string {
	if k == Respmod {
		return "RESPMOD"
	}
	return "REQMOD"
}

// Exchange carries one reqmod/respmod adaptation over a pooled Connection.
type Exchange struct {
	Conn        *Connection
	ServiceURL  string
	ServicePath string // path component of the ICAP URL, e.g. "/reqmod"

	Kind MessageKind

	// HeaderBlock is the encapsulated req-hdr/res-hdr section: the
	// client's request line + headers, or the upstream's status line +
	// headers, exactly as received.
	HeaderBlock []byte

	// Body streams the message body (request or response) to be adapted.
	// nil means no body section (Encapsulated carries only *-hdr=0,
	// null-body=<n>).
	Body io.Reader

	Idle IdleCheck
}

// encapsulatedHeader builds the RFC 3507 Encapsulated header value for a
// (header-block, body) pair: the header section at 0, then the body (or
// null-body when Body is nil) at len(HeaderBlock).
func (e *Exchange) encapsulatedHeader() string {
	hdrKey := "req-hdr"
	bodyKey := "req-body"
	if e.Kind == Respmod {
		hdrKey = "res-hdr"
		bodyKey = "res-body"
	}
	if e.Body == nil {
		return fmt.Sprintf("%s=0, null-body=%d", hdrKey, len(e.HeaderBlock))
	}
	return fmt.Sprintf("%s=0, %s=%d", hdrKey, bodyKey, len(e.HeaderBlock))
}

// writeRequestHead sends the ICAP request line and headers, then the
// encapsulated header block.
func (e *Exchange) writeRequestHead(previewBytes int) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s ICAP/1.0\r\n", e.Kind.icapMethod(), e.ServicePath)
	host, err := serviceHost(e.ServiceURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(&buf, "Host: %s\r\n", host)
	fmt.Fprintf(&buf, "Encapsulated: %s\r\n", e.encapsulatedHeader())
	fmt.Fprintf(&buf, "Allow: 204\r\n")
	if previewBytes >= 0 {
		fmt.Fprintf(&buf, "Preview: %d\r\n", previewBytes)
	}
	buf.WriteString("\r\n")
	buf.Write(e.HeaderBlock)
	_, err = e.Conn.Write(buf.Bytes())
	return err
}

// RunReqmod sends the client request for adaptation and returns the final
// body the caller should forward upstream: either the adapted replacement
// stream, or, on 204, e.Body itself. The upload has already read e.Body to
// its end by then, so the returned reader yields no further bytes and the
// unmodified body has to come from the caller's own copy. ok reports whether
// the message should proceed (false on an ICAP service error, which the
// caller maps to a 502-equivalent).
func (e *Exchange) RunReqmod() (forward io.Reader, ok bool, err error) {
	return e.run()
}

// RunRespmod is RunReqmod's symmetric counterpart for the upstream response.
func (e *Exchange) RunRespmod() (forward io.Reader, ok bool, err error) {
	return e.run()
}

func (e *Exchange) run() (io.Reader, bool, error) {
	if err := e.writeRequestHead(-1); err != nil {
		return nil, false, fmt.Errorf("icap: sending request head: %w", err)
	}

	if e.Body != nil {
		if err := e.sendBody(); err != nil {
			return nil, false, err
		}
	}

	resp, err := e.recvResponse()
	if err != nil {
		return nil, false, err
	}

	switch {
	case resp.IsNoContent():
		return e.Body, true, nil
	case resp.IsModified():
		if resp.HasResponseBody() {
			return resp.BodyReader(), true, nil
		}
		return nil, true, nil
	case resp.IsPartial():
		return resp.BodyReader(), true, nil
	default:
		return nil, false, fmt.Errorf("icap: service returned %d %s", resp.StatusCode, resp.Reason)
	}
}

// sendBody chunk-encodes e.Body onto the wire, tracking idle ticks against
// e.Idle the way BidirectionalRecvIcapResponse does for the reverse
// direction. The teacher's copyengine.StreamToChunkedTransfer already
// implements the stream-to-chunked encode loop this needs.
func (e *Exchange) sendBody() error {
	enc := copyengine.NewStreamToChunkedTransferNoTrailer(e.Body, e.Conn, 32*1024)
	idleTicks := 0
	for {
		outcome, err := enc.Poll()
		switch outcome {
		case copyengine.PollFinished:
			return nil
		case copyengine.PollProgress:
			idleTicks = 0
		case copyengine.PollYieldPending:
			idleTicks++
			if e.Idle != nil {
				if side, hadCached, quit := e.Idle.CheckQuit(idleTicks); quit {
					return &IdleTimeoutError{Side: side, HadCachedData: hadCached}
				}
				if reason, quit := e.Idle.CheckForceQuit(); quit {
					return &ForceQuitError{Reason: reason}
				}
			}
		}
		if err != nil {
			return fmt.Errorf("icap: sending body: %w", err)
		}
	}
}

// recvResponse parses the ICAP status line and headers, polling e.Idle
// between reads so a stalled ICAP server is detected the same way a
// stalled body send is (§4.5.4's "poll three things concurrently"
// collapses, for header parsing, to one blocking read per tick since there
// is no second future to race it against until the body phase begins).
func (e *Exchange) recvResponse() (*Response, error) {
	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := parseResponse(e.Conn.Br)
		done <- result{resp, err}
	}()

	idleTicks := 0
	tick := e.idleInterval()
	for {
		select {
		case r := <-done:
			return r.resp, r.err
		case <-time.After(tick):
			idleTicks++
			if e.Idle != nil {
				if side, hadCached, quit := e.Idle.CheckQuit(idleTicks); quit {
					return nil, &IdleTimeoutError{Side: side, HadCachedData: hadCached}
				}
				if reason, quit := e.Idle.CheckForceQuit(); quit {
					return nil, &ForceQuitError{Reason: reason}
				}
			}
		}
	}
}

func (e *Exchange) idleInterval() time.Duration {
	if ic, ok := e.Idle.(interface{ Interval() time.Duration }); ok {
		return ic.Interval()
	}
	return 5 * time.Second
}

// BidirectionalRecvIcapResponse races the outbound body transfer against
// the ICAP response becoming available, matching spec §4.5.1: if the ICAP
// server answers (typically 204) before the request body finishes
// uploading, the upload is abandoned and the response is processed
// immediately rather than waited out. Go's idiomatic shape for "poll two
// futures concurrently" is goroutines plus select, since the underlying
// Read/Write calls StreamCopy/ChunkedTransfer wrap are genuinely blocking
// syscalls rather than non-blocking pollable state machines end to end.
func BidirectionalRecvIcapResponse(body io.Reader, conn *Connection, idle IdleCheck) (*Response, bool, error) {
	bodyDone := make(chan error, 1)
	go func() {
		enc := copyengine.NewStreamToChunkedTransferNoTrailer(body, conn, 32*1024)
		for {
			outcome, err := enc.Poll()
			if err != nil {
				bodyDone <- err
				return
			}
			if outcome == copyengine.PollFinished {
				bodyDone <- nil
				return
			}
		}
	}()

	respDone := make(chan struct {
		resp *Response
		err  error
	}, 1)
	go func() {
		resp, err := parseResponse(conn.Br)
		respDone <- struct {
			resp *Response
			err  error
		}{resp, err}
	}()

	bodyFinished := false
	for {
		select {
		case err := <-bodyDone:
			bodyFinished = true
			if err != nil {
				return nil, false, fmt.Errorf("icap: body transfer: %w", err)
			}
			// Body is fully sent; keep waiting for the response.
			r := <-respDone
			if r.err != nil {
				return nil, false, r.err
			}
			return r.resp, bodyFinished, nil

		case r := <-respDone:
			// The ICAP server answered before the body finished uploading
			// (e.g. early 204): the remaining body bytes are abandoned.
			if r.err != nil {
				return nil, bodyFinished, r.err
			}
			return r.resp, bodyFinished, nil
		}
	}
}

// BidirectionalRecvHttpRequest streams an ICAP-adapted body to upstream
// while continuing to drain any bytes the ICAP server still has queued
// (used after a 200 Modified response whose body is still arriving).
func BidirectionalRecvHttpRequest(adapted io.Reader, upstream io.Writer, idle IdleCheck) error {
	cfg := copyengine.CopyConfig{BufferSize: 32 * 1024, YieldSize: 32 * 1024}
	copier := copyengine.NewStreamCopy(adapted, upstream, cfg)
	idleTicks := 0
	for {
		outcome, err := copier.Poll()
		switch outcome {
		case copyengine.PollFinished:
			return nil
		case copyengine.PollProgress:
			idleTicks = 0
		case copyengine.PollYieldPending:
			idleTicks++
			if idle != nil {
				if side, hadCached, quit := idle.CheckQuit(idleTicks); quit {
					return &IdleTimeoutError{Side: side, HadCachedData: hadCached}
				}
				if reason, quit := idle.CheckForceQuit(); quit {
					return &ForceQuitError{Reason: reason}
				}
			}
		}
		if err != nil {
			return fmt.Errorf("icap: forwarding adapted body: %w", err)
		}
	}
}
