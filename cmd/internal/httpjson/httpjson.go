// Package httpjson holds the JSON request and response conventions shared by the auth and
// document APIs and read back by the device client.
package httpjson

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var (
	ErrEmptyBody    = errors.New("httpjson: empty body")
	ErrTrailingData = errors.New("httpjson: extra data after JSON value")
)

// ErrorBody is the envelope of every non-2xx response: {"error":{"code":..,"message":..}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Write encodes v with status. Responses are never cached.
func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes the error envelope.
func Error(w http.ResponseWriter, status int, code, msg string) {
	Write(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: msg}})
}

// BadBody answers a failed Decode: 413 body_too_large when the limit was hit, otherwise 400
// with code and msg.
func BadBody(w http.ResponseWriter, err error, code, msg string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body is too large")
		return
	}
	Error(w, http.StatusBadRequest, code, msg)
}

// Decode reads exactly one JSON value of at most maxBytes from the request body into dst.
func Decode(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	return decode(w, r, maxBytes, dst, false)
}

// DecodeStrict is Decode that also rejects fields dst does not declare.
func DecodeStrict(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	return decode(w, r, maxBytes, dst, true)
}

func decode(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any, strict bool) error {
	if r.Body == nil || r.Body == http.NoBody {
		return ErrEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return ErrTrailingData
	}
	return nil
}

// ReadError decodes an error envelope from a non-2xx response, reading at most limit bytes.
// A body that is not an envelope comes back as the message.
func ReadError(body io.Reader, limit int64) (code, msg string) {
	raw, _ := io.ReadAll(io.LimitReader(body, limit))
	var e ErrorBody
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", string(raw)
	}
	return e.Error.Code, e.Error.Message
}
