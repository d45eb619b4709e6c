// Package viewrouter selects the screen a device shows for its current session state.
package viewrouter

import "github.com/flexerosint/flexer-osint/cmd/internal/profile"

// Screen is one top-level device screen.
type Screen string

const (
	ScreenError           Screen = "error"
	ScreenConflict        Screen = "conflict"
	ScreenLoading         Screen = "loading"
	ScreenSignIn          Screen = "sign_in"
	ScreenPendingApproval Screen = "pending_approval"
	ScreenAdmin           Screen = "admin"
	ScreenTools           Screen = "tools"
)

// Input is everything Route looks at.
type Input struct {
	Authenticated  bool
	ProfileLoaded  bool
	Conflicted     bool
	BootstrapError error
	Profile        profile.Profile
}

// Route returns exactly one screen for in. Precedence is fixed:
// error, conflict, loading, sign-in, pending approval, admin, tools.
func Route(in Input) Screen {
	switch {
	case in.BootstrapError != nil:
		return ScreenError
	case in.Conflicted:
		return ScreenConflict
	case in.Authenticated && !in.ProfileLoaded:
		return ScreenLoading
	case !in.Authenticated:
		return ScreenSignIn
	case !in.Profile.IsApproved:
		return ScreenPendingApproval
	case in.Profile.IsAdmin:
		return ScreenAdmin
	default:
		return ScreenTools
	}
}

// Allows reports whether screen s offers the named command group.
func (s Screen) Allows(group string) bool {
	switch group {
	case "session":
		return s != ScreenSignIn
	case "auth":
		return s == ScreenSignIn
	case "conflict":
		return s == ScreenConflict
	case "tools":
		return s == ScreenTools || s == ScreenAdmin
	case "admin":
		return s == ScreenAdmin
	default:
		return true
	}
}
