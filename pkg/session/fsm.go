package session

import (
	"context"

	"github.com/looplab/fsm"
)

// Session states (spec.md §4.1). A sum type expressed as the strings
// looplab/fsm requires, matched exhaustively wherever state drives
// behavior — never compared as an ordered scale.
const (
	StateIdle        = "idle"
	StateRunning     = "running"
	StateConferenced = "conferenced"
	StateStopped     = "stopped"
)

// Session events, one per external stimulus in the §4.1 transition
// table.
const (
	EventStart           = "start"
	EventUpdateMedia     = "update_media"
	EventMute            = "mute"
	EventUnmute          = "unmute"
	EventEnterConference = "enter_conference"
	EventExitConference  = "exit_conference"
	EventStop            = "stop"
)

// newSessionFSM builds the RtpSession's state machine, wiring
// enter_state back to the session the same way the teacher's
// ReferFSM/dialogFSM wrap looplab/fsm: a single ctx-aware callback per
// lifecycle hook, named by convention rather than scattered case
// statements.
func newSessionFSM(s *RtpSession) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventStart, Src: []string{StateIdle}, Dst: StateRunning},

			// updateMedia never changes state; one self-loop entry per
			// source state since looplab/fsm requires a fixed Dst per
			// entry.
			{Name: EventUpdateMedia, Src: []string{StateIdle}, Dst: StateIdle},
			{Name: EventUpdateMedia, Src: []string{StateRunning}, Dst: StateRunning},
			{Name: EventUpdateMedia, Src: []string{StateConferenced}, Dst: StateConferenced},
			{Name: EventUpdateMedia, Src: []string{StateStopped}, Dst: StateStopped},

			{Name: EventMute, Src: []string{StateRunning}, Dst: StateRunning},
			{Name: EventMute, Src: []string{StateConferenced}, Dst: StateConferenced},
			{Name: EventUnmute, Src: []string{StateRunning}, Dst: StateRunning},
			{Name: EventUnmute, Src: []string{StateConferenced}, Dst: StateConferenced},

			{Name: EventEnterConference, Src: []string{StateRunning}, Dst: StateConferenced},
			{Name: EventExitConference, Src: []string{StateConferenced}, Dst: StateRunning},

			{Name: EventStop, Src: []string{StateIdle, StateRunning, StateConferenced, StateStopped}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debug().Str("event", e.Event).Str("from", e.Src).Str("to", e.Dst).Msg("session state transition")
			},
		},
	)
}
