// Package tokenstore persists device-local state: the device session id that identifies this
// installation to the session engine, and the access token of the signed-in user.
//
// The device session id never expires. It is generated on first use and survives restarts
// until Clear removes it, after which the next sign-in acts as a new device.
package tokenstore
