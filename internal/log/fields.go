// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPeer      = "peer"
	FieldPath      = "path"
	FieldURL       = "url"
	FieldChannel   = "channel"
)
