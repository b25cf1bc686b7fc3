package core

import "encoding/json"

// Response status values surfaced to clients.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Response is the structured payload a session emits for one turn. Fields
// carries command-specific entries (for instance "response" for plain text);
// Stream, when set, replaces the body with a lazily consumed chunk sequence.
type Response struct {
	Code       int
	Status     string
	ActivityID string
	SessionID  string
	Fields     map[string]any
	Stream     *DataStream
	Headers    map[string]string
}

// NewResponse builds a response, deriving the status from the HTTP-style
// code when the caller does not set one explicitly.
func NewResponse(code int, fields map[string]any) *Response {
	status := StatusSuccess
	if code < 200 || code >= 300 {
		status = StatusFailed
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return &Response{Code: code, Status: status, Fields: fields}
}

// IsStream reports whether this response carries a chunk stream instead of a
// JSON body.
func (r *Response) IsStream() bool {
	return r.Stream != nil
}

// Body assembles the wire payload: status and activity id first, then the
// session id when present, then the command-specific fields.
func (r *Response) Body() map[string]any {
	body := map[string]any{
		"status":      r.Status,
		"activity_id": r.ActivityID,
	}
	if r.SessionID != "" {
		body["session_id"] = r.SessionID
	}
	for k, v := range r.Fields {
		body[k] = v
	}
	return body
}

// MarshalJSON encodes the assembled body.
func (r *Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Body())
}

// ResponseSink receives emitted responses. The default sink stores the
// latest response on the session for the HTTP layer to collect; remote
// services install their own sink to push messages out of band.
type ResponseSink func(*Response)
