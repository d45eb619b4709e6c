package reconcile

import (
	"github.com/flexerosint/flexer-osint/cmd/internal/profile"
	"github.com/flexerosint/flexer-osint/cmd/internal/viewrouter"
)

// State is the engine's position in the session state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateBootstrapping
	StateAwaitingProfile
	StateActive
	StateConflicted
	StateBootstrapFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateBootstrapping:
		return "bootstrapping"
	case StateAwaitingProfile:
		return "awaiting_profile"
	case StateActive:
		return "active"
	case StateConflicted:
		return "conflicted"
	case StateBootstrapFailed:
		return "bootstrap_failed"
	default:
		return "unknown"
	}
}

// View is the rendered state of the engine.
type View struct {
	State State

	Authenticated  bool
	ProfileLoaded  bool
	Conflicted     bool
	BootstrapError *BootstrapError

	SubjectID       string
	Email           string
	DeviceSessionID string
	Profile         profile.Profile

	// ActionError is the last failed user action (Resume, RequestAuthorization), cleared by the
	// next successful one.
	ActionError error
}

// RouterInput projects v onto the view router's input.
func (v View) RouterInput() viewrouter.Input {
	in := viewrouter.Input{
		Authenticated: v.Authenticated,
		ProfileLoaded: v.ProfileLoaded,
		Conflicted:    v.Conflicted,
		Profile:       v.Profile,
	}
	if v.BootstrapError != nil {
		in.BootstrapError = v.BootstrapError
	}
	return in
}

// Screen routes v.
func (v View) Screen() viewrouter.Screen {
	return viewrouter.Route(v.RouterInput())
}
