package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Shadowskybtw/loyalty-backend/internal/reconcile"

	"gopkg.in/yaml.v3"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran but some work failed
	ExitCommandError = 2 // bad flags, config or database
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

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns ExitFailure for errors that carry no code.
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

// write encodes v as json or yaml. Text output is left to the caller.
func write(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// RenderReport prints a reconciliation report in format.
func RenderReport(w io.Writer, format string, rep *reconcile.Report) error {
	if format != "text" {
		return write(w, format, rep)
	}
	if rep.DryRun {
		fmt.Fprintln(w, "dry run: nothing was written")
	}
	for _, r := range rep.Results {
		switch r.Outcome {
		case reconcile.OutcomeError:
			fmt.Fprintf(w, "account %d: error: %s\n", r.AccountID, r.Error)
		default:
			fmt.Fprintf(w, "account %d: %s (%d%% -> %d%%, completed %t -> %t)\n",
				r.AccountID, r.Outcome, r.Before.Percent, r.After.Percent, r.Before.Completed, r.After.Completed)
		}
	}
	fmt.Fprintf(w, "fixed=%d already_correct=%d drift=%d errors=%d duration=%s\n",
		rep.Fixed, rep.Correct, rep.Drifted, rep.Errors, rep.FinishedAt.Sub(rep.StartedAt))
	if rep.Incomplete {
		fmt.Fprintln(w, "incomplete: stopped before every account was processed")
	}
	return nil
}
