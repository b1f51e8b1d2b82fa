// Package tasknotes holds the per-request record threaded through escaper
// and inspection (§3 TaskNotes/InspectContext), and the SQLite-backed
// rolling audit log a ComplyAudit escaper writes to.
package tasknotes

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage is a TaskNotes lifecycle stage.
type Stage int

const (
	WaitingClient Stage = iota
	Connecting
	Connected
	Relaying
	Finished
)

func (s Stage) String() string {
	switch s {
	case WaitingClient:
		return "waiting_client"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Relaying:
		return "relaying"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// UserCtx carries the identity resolved for a request, when a UserGroup
// matched one.
type UserCtx struct {
	RawUsername    string
	User           string
	UserSite       string
	ForbiddenStats bool
}

// StageTransition records when a TaskNotes moved into a given stage.
type StageTransition struct {
	Stage Stage
	At    time.Time
}

// TaskNotes is the per-request record threaded through an escaper chain and
// the inspection pipeline. Mutated under its own lock since both the
// accepting server goroutine and async stat/audit emitters read it.
type TaskNotes struct {
	TaskID     uuid.UUID
	ClientAddr string
	ServerAddr string

	mu          sync.Mutex
	userCtx     *UserCtx
	stage       Stage
	transitions []StageTransition
	upstream    string
}

// New creates a TaskNotes with a fresh task ID, in WaitingClient stage.
func New(clientAddr, serverAddr string) *TaskNotes {
	n := &TaskNotes{
		TaskID:     uuid.New(),
		ClientAddr: clientAddr,
		ServerAddr: serverAddr,
		stage:      WaitingClient,
	}
	n.transitions = append(n.transitions, StageTransition{Stage: WaitingClient, At: timeNow()})
	return n
}

// timeNow is a var so tests can control stage-transition timestamps.
var timeNow = time.Now

// SetStage records a stage transition. Stages may repeat (e.g. Relaying
// observed more than once is not an error); the order is not checked, so
// WaitingClient is recorded again if passed.
func (n *TaskNotes) SetStage(s Stage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stage = s
	n.transitions = append(n.transitions, StageTransition{Stage: s, At: timeNow()})
}

// Stage returns the current stage.
func (n *TaskNotes) Stage() Stage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stage
}

// Transitions returns a copy of the recorded stage transitions in order.
func (n *TaskNotes) Transitions() []StageTransition {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]StageTransition, len(n.transitions))
	copy(out, n.transitions)
	return out
}

// SetUserCtx attaches the resolved user identity, once a UserGroup matches.
func (n *TaskNotes) SetUserCtx(u UserCtx) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.userCtx = &u
}

// UserCtx returns the resolved user identity, or nil if none matched.
func (n *TaskNotes) UserCtx() *UserCtx {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.userCtx
}

// SetUpstream records the resolved upstream host:port once an escaper
// chain picks one.
func (n *TaskNotes) SetUpstream(hostPort string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.upstream = hostPort
}

// Upstream returns the resolved upstream host:port, or "" if not yet set.
func (n *TaskNotes) Upstream() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.upstream
}

// Duration returns the time elapsed between the first and last recorded
// stage transition.
func (n *TaskNotes) Duration() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.transitions) < 2 {
		return 0
	}
	return n.transitions[len(n.transitions)-1].At.Sub(n.transitions[0].At)
}
