package publisher

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDegraded is matched by every error that leaves the run degraded: the
// archive is stored but cleanup did not complete.
var ErrDegraded = errors.New("run degraded")

// Error kinds. ErrAuth and ErrUpload are fatal, the archive never got there.
// ErrList and ErrDelete also match ErrDegraded.
var (
	ErrAuth   error = &kind{msg: "authentication failed"}
	ErrUpload error = &kind{msg: "upload failed"}
	ErrList   error = &kind{msg: "listing failed", degraded: true}
	ErrDelete error = &kind{msg: "delete failed", degraded: true}
)

type kind struct {
	msg      string
	degraded bool
}

func (k *kind) Error() string { return k.msg }

func (k *kind) Is(target error) bool { return k.degraded && target == ErrDegraded }

// Step names a stage of the workflow.
type Step string

const (
	StepAuthenticate Step = "authenticate"
	StepUpload       Step = "upload"
	StepList         Step = "list"
	StepPrune        Step = "prune"
)

// StepError reports which step failed, what kind of failure it is and why.
type StepError struct {
	Step Step
	Kind error
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("[%s] %v: %v", e.Step, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *StepError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// DeleteFailure is one archive that could not be deleted.
type DeleteFailure struct {
	ID   string
	Name string
	Err  error
}

// PruneError collects every failed deletion of a pass.
type PruneError struct {
	Failures []DeleteFailure
}

func (e *PruneError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %v: %d archive(s) not deleted", StepPrune, ErrDelete, len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s (%s): %v", f.Name, f.ID, f.Err)
	}
	return b.String()
}

func (e *PruneError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrDelete)
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Outcome classifies the error returned by Run or Prune.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrDegraded):
		return "degraded"
	default:
		return "failed"
	}
}
