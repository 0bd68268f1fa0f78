package fingerprint

import "fmt"

// Transport error codes. They mirror the retry layer's vocabulary: cancel
// codes end a request, everything else is a switchable network failure.
const (
	CodeSpawn    = "ERR_SPAWN"
	CodeNetwork  = "ERR_NETWORK"
	CodeCanceled = "ERR_CANCELED"
	CodeAborted  = "ECONNABORTED"
)

// TransportError wraps a helper or network failure with its classification.
type TransportError struct {
	Code string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsCanceled reports whether the error is a client-side cancellation.
func IsCanceled(err error) bool {
	te, ok := err.(*TransportError)
	return ok && (te.Code == CodeCanceled || te.Code == CodeAborted)
}
