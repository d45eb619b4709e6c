// Package reconcile keeps a device's view of its signed-in identity, the user's profile and
// the device's claim of authority consistent.
//
// An Engine reacts to three event sources: identity changes from the identity provider,
// profile snapshots from the profile repository, and user actions (Resume, SignOut,
// RequestAuthorization). All of them are serialized through one goroutine. Calls to
// collaborators run off that goroutine and report back as events tagged with the identity
// epoch, so results that belong to a previous identity are discarded.
//
// Authority is last-writer-wins on the profile's lastSessionId: a device is Active while the
// field equals its device session id and Conflicted otherwise. Claims (the bootstrap write and
// Resume) are tracked as pending until the repository acknowledges them with a commit
// revision; only snapshots at or after that revision are compared.
package reconcile
