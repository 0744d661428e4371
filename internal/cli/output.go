package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/commonplace/internal/engine"
	"github.com/roach88/commonplace/internal/pathindex"
	"github.com/roach88/commonplace/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Check failure (scenarios failed, non-deterministic replay, etc.)
	ExitCommandError = 2 // Command error (invalid paths, database not found, etc.)

	// ExitDurability is reported when the commit log can no longer be
	// written.
	ExitDurability = engine.ExitDurability
)

// Error codes used in JSON error responses.
const (
	CodeNotBound    = "E_NOT_BOUND"
	CodeInvalidPath = "E_INVALID_PATH"
	CodeNotFound    = "E_NOT_FOUND"
	CodeDecode      = "E_DECODE"
	CodeTransport   = "E_TRANSPORT"
	CodeDurability  = "E_DURABILITY"
	CodeConfig      = "E_CONFIG"
	CodeInternal    = "E_INTERNAL"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if engine.IsDurabilityError(err) {
		return ExitDurability
	}
	return ExitFailure
}

// ErrorCode classifies err for JSON error responses.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, pathindex.ErrNotBound), engine.IsNotBound(err):
		return CodeNotBound
	case errors.Is(err, pathindex.ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrUnknownDocument):
		return CodeNotFound
	case engine.IsDecodeError(err):
		return CodeDecode
	case engine.IsTransportError(err):
		return CodeTransport
	case engine.IsDurabilityError(err):
		return CodeDurability
	}
	return CodeInternal
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // E_NOT_BOUND, E_DECODE, etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return writeJSON(f.Writer, CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return writeJSON(f.Writer, CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err in the configured format and returns it wrapped with
// an exit code. Text output goes to the returned error only, so callers
// printing errors on exit do not print it twice.
func (f *OutputFormatter) Fail(code int, message string, err error) error {
	if f.Format == "json" {
		if werr := f.Error(ErrorCode(err), fmt.Sprintf("%s: %v", message, err), nil); werr != nil {
			return werr
		}
	}
	return WrapExitError(code, message, err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
