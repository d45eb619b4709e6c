// Package remote is the device-side client of a flexer server.
//
// A Client speaks the auth API (identity provider), the document HTTP API and the /v1/ws
// change feed. It implements docstore.Repository and reconcile.IdentityProvider, so the
// reconciliation engine runs unchanged against a remote server or an in-process store.
package remote
