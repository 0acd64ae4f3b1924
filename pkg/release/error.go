package release

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Unknown Kind = iota
	BuildFailure
	SecurityGateFailure
	MigrationPending
	PreconditionNotMet
	EnvironmentLocked
	HealthCheckTimeout
	ThresholdBreached
	NoRollbackTarget
	RollbackFailed
	ConfigurationError
	InvalidInvocation
)

var kindNames = map[Kind]string{
	Unknown:             "Unknown",
	BuildFailure:        "BuildFailure",
	SecurityGateFailure: "SecurityGateFailure",
	MigrationPending:    "MigrationPending",
	PreconditionNotMet:  "PreconditionNotMet",
	EnvironmentLocked:   "EnvironmentLocked",
	HealthCheckTimeout:  "HealthCheckTimeout",
	ThresholdBreached:   "ThresholdBreached",
	NoRollbackTarget:    "NoRollbackTarget",
	RollbackFailed:      "RollbackFailed",
	ConfigurationError:  "ConfigurationError",
	InvalidInvocation:   "InvalidInvocation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type ExitCode int

// Keep separate to avoid skewing exit codes
const (
	ExitSuccess ExitCode = iota
	ExitOperationalFailure
	ExitInvocationFailure
)

type Error struct {
	Kind Kind
	Err  error
}

func (err *Error) Error() string {
	return fmt.Sprintf("%s: %s", err.Kind, err.Err)
}

func (err *Error) Unwrap() error {
	return err.Err
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind: kind,
		Err:  fmt.Errorf(format, args...),
	}
}

func ErrorWrap(kind Kind, err error) *Error {
	return &Error{
		Kind: kind,
		Err:  err,
	}
}

// KindOf returns the kind of the outermost *Error in the chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Fatal errors halt automated action and need an operator.
// Joined errors are fatal if any of their parts is.
func Fatal(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *Error:
		if e.Kind == NoRollbackTarget || e.Kind == RollbackFailed {
			return true
		}
		return Fatal(e.Err)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if Fatal(inner) {
				return true
			}
		}
		return false
	default:
		return Fatal(errors.Unwrap(err))
	}
}

func ErrorExitCode(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	switch KindOf(err) {
	case ConfigurationError, InvalidInvocation:
		return ExitInvocationFailure
	default:
		return ExitOperationalFailure
	}
}
