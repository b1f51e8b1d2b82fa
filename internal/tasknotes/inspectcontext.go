package tasknotes

import (
	"github.com/google/uuid"
	"github.com/relayfleet/relayfleet/internal/copyengine"
)

// ServerStats is the task/connection counter surface a Server exposes.
// Defined here (the consumer) rather than in internal/server to avoid an
// import cycle: InspectContext is constructed by a server but threaded
// through escaper/inspection code that must not import internal/server.
type ServerStats interface {
	IncTask()
	DecTask()
	IncConn()
	DecConn()
}

// QuitPolicy is a Server's ServerQuitPolicy: a force-quit flag and an
// offline flag an in-flight task checks at yield points.
type QuitPolicy interface {
	ForceQuit() bool
	Offline() bool
}

// ConnectNotes is the connection-level counterpart to TaskNotes, covering
// the possibly many tasks a single accepted connection carries (HTTP
// keep-alive, H2 streams).
type ConnectNotes struct {
	ConnID     uuid.UUID
	ClientAddr string
	TaskCount  int
}

// NewConnectNotes creates a fresh ConnectNotes for a newly accepted
// connection.
func NewConnectNotes(clientAddr string) *ConnectNotes {
	return &ConnectNotes{ConnID: uuid.New(), ClientAddr: clientAddr}
}

// InspectContext is the cloneable bundle threaded through an escaper chain
// and the inspection pipeline (§3). Clone is used on each nested
// decryption (TLS interception unwrapping another TLS layer): the clone
// shares AuditHandle/ServerStats/QuitPolicy/IdleWheel/ConnectNotes by
// reference (they're process-wide or connection-wide) but gets its own
// Depth (incremented) and a fresh TaskNotes pointer only if the caller
// supplies one.
type InspectContext struct {
	Audit        *AuditHandle
	ServerStats  ServerStats
	QuitPolicy   QuitPolicy
	IdleWheel    *copyengine.IdleWheel
	TaskNotes    *TaskNotes
	ConnectNotes *ConnectNotes
	Depth        int
	MaxIdleCount int
}

// Clone returns a copy of the context with Depth incremented by one, for
// use when inspection recurses into a nested decrypted layer (TLS-in-TLS).
func (c *InspectContext) Clone() *InspectContext {
	clone := *c
	clone.Depth = c.Depth + 1
	return &clone
}

// WithTaskNotes returns a shallow copy of the context pointed at a
// different TaskNotes, used when a new logical task starts on an existing
// connection (e.g. a second request on a keep-alive connection).
func (c *InspectContext) WithTaskNotes(notes *TaskNotes) *InspectContext {
	clone := *c
	clone.TaskNotes = notes
	return &clone
}
