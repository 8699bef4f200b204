// Package models defines the message contracts shared by the database
// service, the bot, and plugins: request/response envelopes, error codes,
// and the payload shapes for every bus subject.
package models

import "encoding/json"

// ErrorBody is the error object inside a failed response envelope.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// errorEnvelope is the wire shape of a failed response.
type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// OKResponse marshals payload and splices "success": true into the top-level
// object. A nil payload produces {"success": true}.
func OKResponse(payload any) ([]byte, error) {
	merged := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &merged); err != nil {
			return nil, err
		}
	}
	merged["success"] = json.RawMessage("true")
	return json.Marshal(merged)
}

// ErrResponse builds a failed response envelope from a coded error.
func ErrResponse(err error) []byte {
	env := errorEnvelope{
		Success: false,
		Error: ErrorBody{
			Code:    CodeOf(err),
			Message: MessageOf(err),
		},
	}
	// Marshal of a flat struct with string fields cannot fail.
	data, _ := json.Marshal(env)
	return data
}

// Envelope is the decoded form of a response, used by bus callers.
type Envelope struct {
	Success bool       `json:"success"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ParseEnvelope decodes the success/error header of a reply and returns the
// raw bytes for payload extraction.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, NewError(CodeInvalidJSON, "reply is not valid JSON")
	}
	return env, nil
}
