// Package v1 defines the document change feed protocol spoken over the /v1/ws endpoint.
//
// It is shared between the server gateway and device clients so both sides agree on
// the wire shape of every envelope.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated during the handshake.
const Subprotocol = "flexer.docs.v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates the connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms authentication (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe opens a subscription on a document or a whole collection (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribed confirms a subscription (server -> client).
	TypeSubscribed = "subscribed"
	// TypeUnsubscribe closes a subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeSnapshot carries one document state, in commit order per document (server -> client).
	TypeSnapshot = "snapshot"

	// TypeError reports a connection or subscription level failure (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.Code.
const (
	CodeBadJSON          = "bad_json"
	CodeBadEnvelope      = "bad_envelope"
	CodeBadRequest       = "bad_request"
	CodeUnauthenticated  = "unauthenticated"
	CodePermissionDenied = "permission_denied"
	CodeNotFound         = "not_found"
	CodeRateLimited      = "rate_limited"
	CodeUnavailable      = "unavailable"
	CodeUnsupported      = "unsupported"
)

// Envelope is the canonical wire wrapper.
// SubID scopes subscribe/subscribed/unsubscribe/snapshot and subscription errors.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	SubID   string          `json:"sub_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello, TypeHelloAck, TypeError:
		return nil
	case TypeSubscribe, TypeSubscribed, TypeUnsubscribe, TypeSnapshot:
		if strings.TrimSpace(e.SubID) == "" {
			return errors.New("missing field: sub_id")
		}
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// HelloPayload carries the bearer access token issued by the auth API.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload identifies the authenticated connection.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	SubjectID    string `json:"subject_id"`
}

// SubscribePayload names the watched target. An empty DocumentID watches the whole collection.
type SubscribePayload struct {
	Collection string `json:"collection"`
	DocumentID string `json:"document_id,omitempty"`
}

// SubscribedPayload echoes the accepted target.
type SubscribedPayload struct {
	Collection string `json:"collection"`
	DocumentID string `json:"document_id,omitempty"`
}

// SnapshotPayload is one document state. Data is absent when Exists is false.
type SnapshotPayload struct {
	Collection string          `json:"collection"`
	DocumentID string          `json:"document_id"`
	Exists     bool            `json:"exists"`
	Revision   int64           `json:"revision"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
