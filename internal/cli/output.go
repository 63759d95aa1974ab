package cli

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/jensholdgaard/eventrecorder/internal/recorder"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // operation rejected, e.g. a record conflict
	ExitCommandError = 2 // bad flags, unreadable config, unreachable backend
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Errors that are not an ExitError map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// printer writes command results as JSON or aligned text.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) events(events []recorder.StoredEvent) error {
	if p.format == "json" {
		return p.json(events)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tTOPIC\tSTATE")
	for _, e := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", e.OriginatorVersion, e.Topic, displayState(e.State))
	}
	return tw.Flush()
}

func (p printer) notifications(ns []recorder.Notification) error {
	if p.format == "json" {
		return p.json(ns)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tORIGINATOR\tVERSION\tTOPIC\tSTATE")
	for _, n := range ns {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", n.ID, n.OriginatorID, n.OriginatorVersion, n.Topic, displayState(n.State))
	}
	return tw.Flush()
}

func (p printer) position(name string, id int64) error {
	if p.format == "json" {
		return p.json(map[string]int64{name: id})
	}
	_, err := fmt.Fprintln(p.w, id)
	return err
}

func (p printer) message(msg string) error {
	if p.format == "json" {
		return p.json(map[string]string{"status": "ok", "message": msg})
	}
	_, err := fmt.Fprintln(p.w, msg)
	return err
}

// displayState shows UTF-8 state as text and anything else as base64.
func displayState(state []byte) string {
	if utf8.Valid(state) {
		return string(state)
	}
	return "base64:" + base64.StdEncoding.EncodeToString(state)
}
