package reload

import (
	"context"
	"sync/atomic"
	"time"
)

// Command is one of the three control messages the graceful-handover state
// machine consumes (§4.6).
type Command int

const (
	CmdStartGracefulShutdown Command = iota
	CmdReleaseController
	CmdCancelGracefulShutdown
)

func (c Command) String() string {
	switch c {
	case CmdStartGracefulShutdown:
		return "start_graceful_shutdown"
	case CmdReleaseController:
		return "release_controller"
	case CmdCancelGracefulShutdown:
		return "cancel_graceful_shutdown"
	default:
		return "unknown_command"
	}
}

// HandoverState is QuitAction's current position in the two-process
// handover protocol.
type HandoverState int32

const (
	// StateActive: serving normally, no handover in progress.
	StateActive HandoverState = iota
	// StateGracefulWait: this process received StartGracefulShutdown and is
	// waiting graceful_wait for either a peer to take over or the timer to
	// expire.
	StateGracefulWait
	// StateReleasedToNew: this process received ReleaseController first —
	// a new process is claiming the controller — and is waiting
	// graceful_wait for that new process to confirm with
	// StartGracefulShutdown.
	StateReleasedToNew
	// StateStopped: do_force_shutdown has run; the process is exiting.
	StateStopped
)

func (s HandoverState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateGracefulWait:
		return "graceful_wait"
	case StateReleasedToNew:
		return "released_to_new"
	case StateStopped:
		return "stopped"
	default:
		return "unknown_state"
	}
}

// QuitAction is the single-task state machine that arbitrates a two-process
// graceful handover: whichever process currently holds the listening
// socket decides, from an ordered stream of commands, whether it is
// shutting down, resuming, or has been superseded by a new process.
type QuitAction struct {
	gracefulWait time.Duration
	commands     chan Command

	// stopAcceptingNewWork is called when ReleaseController arrives during
	// StateGracefulWait, before the final stop — §4.6: "must not continue
	// to serve new work once peer is ready." A ReleaseController received
	// in StateActive moves to StateReleasedToNew without calling it.
	stopAcceptingNewWork func()
	// forceShutdown is do_force_shutdown: broadcasts QuitRuntime to every
	// server so accept loops break and in-flight work drains.
	forceShutdown func()

	state atomic.Int32
}

// NewQuitAction builds a QuitAction. Either callback may be nil.
func NewQuitAction(gracefulWait time.Duration, stopAcceptingNewWork, forceShutdown func()) *QuitAction {
	q := &QuitAction{
		gracefulWait:         gracefulWait,
		commands:             make(chan Command, 4),
		stopAcceptingNewWork: stopAcceptingNewWork,
		forceShutdown:        forceShutdown,
	}
	return q
}

// State returns the current handover state.
func (q *QuitAction) State() HandoverState {
	return HandoverState(q.state.Load())
}

// StartGracefulShutdown enqueues the command. The channel is bounded (§5
// "bounded channels for I/O handover") with room for four pending
// commands; the send blocks only when all four are still unconsumed.
func (q *QuitAction) StartGracefulShutdown() { q.commands <- CmdStartGracefulShutdown }

// ReleaseController enqueues the command.
func (q *QuitAction) ReleaseController() { q.commands <- CmdReleaseController }

// CancelGracefulShutdown enqueues the command.
func (q *QuitAction) CancelGracefulShutdown() { q.commands <- CmdCancelGracefulShutdown }

// Run is the single task that consumes commands and drives the state
// machine until do_force_shutdown fires or ctx is canceled. It blocks the
// calling goroutine; callers run it in its own task.
func (q *QuitAction) Run(ctx context.Context) {
	q.state.Store(int32(StateActive))

	var timer *time.Timer
	var timerC <-chan time.Time
	resetTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(q.gracefulWait)
		timerC = timer.C
	}
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = nil
		timerC = nil
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return

		case cmd := <-q.commands:
			switch HandoverState(q.state.Load()) {
			case StateActive:
				switch cmd {
				case CmdStartGracefulShutdown:
					q.state.Store(int32(StateGracefulWait))
					resetTimer()
				case CmdReleaseController:
					q.state.Store(int32(StateReleasedToNew))
					resetTimer()
				case CmdCancelGracefulShutdown:
					// already active; nothing to do
				}

			case StateGracefulWait:
				switch cmd {
				case CmdReleaseController:
					// A new peer is ready to take over mid-wait: stop
					// serving new work immediately but keep draining
					// until the timer (or the eventual force shutdown)
					// fires.
					if q.stopAcceptingNewWork != nil {
						q.stopAcceptingNewWork()
					}
				case CmdCancelGracefulShutdown:
					q.state.Store(int32(StateActive))
					stopTimer()
				case CmdStartGracefulShutdown:
					resetTimer()
				}

			case StateReleasedToNew:
				switch cmd {
				case CmdStartGracefulShutdown:
					// The new process confirmed it's ready; no need to
					// wait out the rest of the timer.
					stopTimer()
					q.doForceShutdown()
					return
				case CmdCancelGracefulShutdown:
					q.state.Store(int32(StateActive))
					stopTimer()
				case CmdReleaseController:
					// duplicate signal; ignore
				}
			}

		case <-timerC:
			switch HandoverState(q.state.Load()) {
			case StateGracefulWait:
				// timeout-without-peer: stop regardless
				stopTimer()
				q.doForceShutdown()
				return
			case StateReleasedToNew:
				// new process never confirmed within graceful_wait;
				// assume it failed and resume serving.
				q.state.Store(int32(StateActive))
				stopTimer()
			}
		}
	}
}

func (q *QuitAction) doForceShutdown() {
	q.state.Store(int32(StateStopped))
	if q.forceShutdown != nil {
		q.forceShutdown()
	}
}
