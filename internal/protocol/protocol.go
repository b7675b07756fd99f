// SPDX-License-Identifier: MIT

// Package protocol defines the line-framed JSON-RPC dialect spoken on the
// daemon's control socket.
//
// One compact JSON document per line. A frame carrying a "method" member is a
// request; otherwise it is a response holding exactly one of "result" or
// "error". The params and result members are JSON objects encoded as strings,
// matching the existing consumers on the wire.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame marks a frame that decoded as bytes but not as a valid
// message. Unlike transport errors it does not by itself end the connection.
var ErrMalformedFrame = errors.New("malformed frame")

// Method identifiers. Exact strings, bidirectional.
const (
	MethodActivate       = "daemon_activate"
	MethodStopService    = "daemon_stop_service"
	MethodPingService    = "daemon_ping_service"
	MethodPrepareService = "daemon_prepare_service"
	MethodSyncService    = "daemon_sync_service"
	MethodGetLogService  = "daemon_get_log_service"
	MethodRefreshURL     = "daemon_refresh_url"
	MethodServerPing     = "daemon_server_ping"

	// MethodStatisticService is the server to client statistics broadcast.
	MethodStatisticService = "statistic_service"
)

// Wire error codes. The numbering is stable; consumers match on it.
const (
	ErrCodeInvalid  = 1 // bad arguments or missing required field
	ErrCodeLicense  = 2 // license rejected
	ErrCodeHTTP     = 3 // upstream HTTP failure
	ErrCodeParse    = 4 // payload or document parse failure
	ErrCodeInternal = 5
)

// Request is a method invocation. Params, when present, is a JSON object
// encoded as a string.
type Request struct {
	ID     string  `json:"id"`
	Method string  `json:"method"`
	Params *string `json:"params,omitempty"`
}

// ErrorBody is the error member of a failed Response.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response answers a Request. Exactly one of Result or Error is set.
type Response struct {
	ID     string     `json:"id"`
	Result *string    `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// Message is the tagged union delivered by the framing layer.
type Message struct {
	Req  *Request
	Resp *Response
}

// NewRequest builds a Request whose params member is the JSON encoding of v.
// A nil v omits params.
func NewRequest(id, method string, v any) (Request, error) {
	req := Request{ID: id, Method: method}
	if v != nil {
		params, err := EncodeBody(v)
		if err != nil {
			return Request{}, err
		}
		req.Params = &params
	}
	return req, nil
}

// OKResponse builds a success Response whose result member is the JSON
// encoding of v.
func OKResponse(id string, v any) (Response, error) {
	result, err := EncodeBody(v)
	if err != nil {
		return Response{}, err
	}
	return Response{ID: id, Result: &result}, nil
}

// FailResponse builds an error Response.
func FailResponse(id string, code int, message string) Response {
	return Response{ID: id, Error: &ErrorBody{Code: code, Message: message}}
}

// EncodeBody marshals v into the string-embedded JSON object form used for
// params and result members.
func EncodeBody(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}
	return string(b), nil
}

// DecodeBody unmarshals a string-embedded JSON object into v. A nil body is
// an error: every command that carries state requires params.
func DecodeBody(body *string, v any) error {
	if body == nil {
		return fmt.Errorf("missing body")
	}
	if err := json.Unmarshal([]byte(*body), v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// frame mirrors both variants for tagged decoding.
type frame struct {
	ID     string     `json:"id"`
	Method *string    `json:"method,omitempty"`
	Params *string    `json:"params,omitempty"`
	Result *string    `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// Decode parses one frame into a Message.
func Decode(line []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Method != nil {
		if *f.Method == "" {
			return Message{}, fmt.Errorf("%w: empty method", ErrMalformedFrame)
		}
		return Message{Req: &Request{ID: f.ID, Method: *f.Method, Params: f.Params}}, nil
	}
	if (f.Result == nil) == (f.Error == nil) {
		return Message{}, fmt.Errorf("%w: response must carry exactly one of result or error", ErrMalformedFrame)
	}
	return Message{Resp: &Response{ID: f.ID, Result: f.Result, Error: f.Error}}, nil
}
