package wire

import "fmt"

// Error codes surfaced to clients.
const (
	ErrorCodeInvalidArguments  = 3
	ErrorCodeBusy              = 9
	ErrorCodeInvalidTransition = 10
	ErrorCodeInternal          = 13
)

// Error is pushed back to the originating connection when a request fails.
// No failure is fatal to the server process.
type Error struct {
	Code   int32      `json:"code"`
	Params []string   `json:"params,omitempty"`
	Req    *ClientMsg `json:"req,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("wire error, code: %d, params: %v", e.Code, e.Params)
}

func NewInvalidArgumentError(req *ClientMsg, errs ...string) *Error {
	return &Error{
		Code:   ErrorCodeInvalidArguments,
		Params: errs,
		Req:    req,
	}
}

func NewInternalError(req *ClientMsg, err string) *Error {
	return &Error{
		Code:   ErrorCodeInternal,
		Params: []string{err},
		Req:    req,
	}
}

func NewBusyError(req *ClientMsg) *Error {
	return &Error{
		Code:   ErrorCodeBusy,
		Params: []string{"callee is in another call"},
		Req:    req,
	}
}

func NewInvalidTransitionError(req *ClientMsg, detail string) *Error {
	return &Error{
		Code:   ErrorCodeInvalidTransition,
		Params: []string{detail},
		Req:    req,
	}
}

// InterceptError scrubs internal error detail before it reaches a client.
func InterceptError(err *Error) {
	if err.Code == ErrorCodeInternal {
		err.Params = []string{"temp storage error"}
	}
}
