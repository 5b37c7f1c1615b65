// Package wire holds the JSON frame format spoken between wstransport and the
// embedded local server.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ggoodman/clusterclient-go/jobconfig"
	"github.com/ggoodman/clusterclient-go/transport"
)

// Frame methods beyond the transport.Method* API calls.
const (
	MethodInit           = "init"
	MethodConnectionInfo = "connection_info"
)

// Header names used on the websocket upgrade request.
const (
	HeaderClientID      = "X-Cluster-Client-Id"
	HeaderAuthorization = "Authorization"
	MetadataPrefix      = "X-Cluster-Meta-"
)

// Frame is one request or response on the wire. Requests carry Method and
// Params; responses echo Seq and carry Result or Error.
type Frame struct {
	Seq    uint64          `json:"seq"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error codes carried in Error.Code.
const (
	CodeInternal       = "internal"
	CodeBadRequest     = "bad_request"
	CodeNotFound       = "not_found"
	CodeForeignRef     = "foreign_ref"
	CodeNotInitialized = "not_initialized"
)

// Error is a remote failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("remote %s: %s", e.Code, e.Message) }

// Is maps error codes onto transport sentinels.
func (e *Error) Is(target error) bool {
	return e.Code == CodeForeignRef && target == transport.ErrForeignRef
}

// InitParams is the payload of an init request.
type InitParams struct {
	JobConfig   *jobconfig.JobConfig `json:"job_config,omitempty"`
	InitOptions map[string]any       `json:"init_options,omitempty"`
}

// PutParams stores a value.
type PutParams struct {
	Value json.RawMessage `json:"value"`
}

// GetParams fetches a stored value.
type GetParams struct {
	Ref transport.ObjectRef `json:"ref"`
}

// CallParams invokes a registered function.
type CallParams struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// NewRequest encodes params into a request frame.
func NewRequest(seq uint64, method string, params any) (*Frame, error) {
	f := &Frame{Seq: seq, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("wire: encode %s params: %w", method, err)
		}
		f.Params = b
	}
	return f, nil
}

// NewResult encodes result into a response frame.
func NewResult(seq uint64, result any) *Frame {
	f := &Frame{Seq: seq}
	if result == nil {
		return f
	}
	b, err := json.Marshal(result)
	if err != nil {
		return NewError(seq, CodeInternal, err.Error())
	}
	f.Result = b
	return f
}

// NewError builds an error response frame.
func NewError(seq uint64, code, msg string) *Frame {
	return &Frame{Seq: seq, Error: &Error{Code: code, Message: msg}}
}
