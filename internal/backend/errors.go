package backend

import "fmt"

// ConnectivityError means a backend is unreachable or is missing the
// required model. It is fatal to a run before any round starts.
type ConnectivityError struct {
	Backend string // "solver" or "reviewer"
	Reason  string
	Err     error
}

func (e *ConnectivityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s backend unavailable: %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s backend unavailable: %s", e.Backend, e.Reason)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// RequestError means a generate or review request returned a non-success
// status. It carries the transport status detail and is fatal to the
// current run; retry policy belongs to the caller, not the client.
type RequestError struct {
	Backend   string
	Operation string // "generate" or "review"
	Status    int
	Body      string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s request failed (%d): %s", e.Backend, e.Operation, e.Status, e.Body)
}
