package utils

import "fmt"

// AppError tags a failure with the operation that produced it. Op follows
// the dotted naming used across the engine (graph.load_procedure,
// telemetry.query_metrics) so wrapped errors stay greppable against log
// lines.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError wraps err with the operation and message. The cause remains
// reachable through errors.Is and errors.As.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}
