// Package errs defines the error taxonomy shared by the scoring and
// smoothing engines. Configuration and shape problems are detected before
// any chunk work starts; chunk errors wrap faults raised by workers.
package errs

import "fmt"

// ConfigError reports an invalid option or signature definition.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Msg
}

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// ShapeError reports matrix or embedding dimensions inconsistent with what
// an operation requires.
type ShapeError struct {
	Msg string
}

func (e *ShapeError) Error() string {
	return "shape mismatch: " + e.Msg
}

// Shapef builds a ShapeError from a format string.
func Shapef(format string, args ...any) error {
	return &ShapeError{Msg: fmt.Sprintf(format, args...)}
}

// ChunkError reports a fault raised while processing one chunk of cells.
// The whole run fails; no partial results are returned.
type ChunkError struct {
	Chunk int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed: %v", e.Chunk, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}
