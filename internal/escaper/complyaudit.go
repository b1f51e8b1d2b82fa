package escaper

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// ComplyAudit wraps a child escaper, recording an AuditEntry to the
// rolling SQLite audit log once the connection it produced closes.
// Grounded on tasknotes.AuditHandle (audit.go); this is the escaper-side
// producer for that consumer.
type ComplyAudit struct {
	delegating
	child Escaper
	audit *tasknotes.AuditHandle
}

func NewComplyAudit(name string, child Escaper, audit *tasknotes.AuditHandle) *ComplyAudit {
	c := &ComplyAudit{child: child, audit: audit}
	c.delegating = delegating{name: name, pick: c.pickChild}
	return c
}

func (c *ComplyAudit) pickChild(context.Context, TaskConf, *TcpNotes, *tasknotes.TaskNotes) (Escaper, error) {
	return c.child, nil
}

func (c *ComplyAudit) TcpSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (net.Conn, error) {
	conn, err := c.child.TcpSetupConnection(ctx, conf, notes, task)
	if err != nil || task == nil || c.audit == nil {
		return conn, err
	}
	task.SetUpstream(conf.addr())
	return &auditedConn{Conn: conn, audit: c.audit, task: task}, nil
}

func (c *ComplyAudit) TlsSetupConnection(ctx context.Context, conf TaskConf, notes *TcpNotes, task *tasknotes.TaskNotes) (*tls.Conn, error) {
	return tlsSetupFromConn(ctx, conf, c.TcpSetupConnection, notes, task)
}

func (c *ComplyAudit) dependOnEscaper() []string { return []string{c.child.Name()} }

// auditedConn counts bytes moved over the lifetime of the connection and
// records an AuditEntry exactly once, when the connection is closed —
// the audit log's byte counts, unlike the teacher's live-traffic counters
// (counting_conn.go), are a single terminal write rather than a
// continuously-updated gauge.
type auditedConn struct {
	net.Conn
	audit *tasknotes.AuditHandle
	task  *tasknotes.TaskNotes

	ingress int64
	egress  int64

	recordOnce sync.Once
}

func (a *auditedConn) Read(p []byte) (int, error) {
	n, err := a.Conn.Read(p)
	a.ingress += int64(n)
	return n, err
}

func (a *auditedConn) Write(p []byte) (int, error) {
	n, err := a.Conn.Write(p)
	a.egress += int64(n)
	return n, err
}

func (a *auditedConn) Close() error {
	err := a.Conn.Close()
	a.recordOnce.Do(func() {
		a.task.SetStage(tasknotes.Finished)
		a.audit.Record(tasknotes.EntryFromTaskNotes(a.task, a.ingress, a.egress))
	})
	return err
}
