package usecase

import "github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"

// SessionEvent is an input to the focus session state machine.
type SessionEvent string

const (
	EventStart         SessionEvent = "start"
	EventTick          SessionEvent = "tick"
	EventPause         SessionEvent = "pause"
	EventResume        SessionEvent = "resume"
	EventReset         SessionEvent = "reset"
	EventStartBreak    SessionEvent = "start_break"
	EventFinish        SessionEvent = "finish"
	EventAcknowledge   SessionEvent = "acknowledge"
	EventEmergencyExit SessionEvent = "emergency_exit"
)

// sessionTransitions lists the events each state accepts.
var sessionTransitions = map[domain.SessionState][]SessionEvent{
	domain.SessionIdle:     {EventStart},
	domain.SessionRunning:  {EventTick, EventPause, EventReset, EventStartBreak, EventFinish, EventEmergencyExit},
	domain.SessionPaused:   {EventResume, EventReset, EventStartBreak, EventEmergencyExit},
	domain.SessionBreak:    {EventTick, EventReset, EventEmergencyExit},
	domain.SessionFinished: {EventStart, EventAcknowledge},
}

// CanTransition reports whether state accepts ev.
func CanTransition(state domain.SessionState, ev SessionEvent) bool {
	for _, allowed := range sessionTransitions[state] {
		if allowed == ev {
			return true
		}
	}
	return false
}
