// Package faults is the error taxonomy shared by plan building, execution
// and materialization. Every error kind matches its sentinel with errors.Is
// and exposes its cause through Unwrap.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration   = errors.New("configuration error")
	ErrDataIntegrity   = errors.New("data integrity error")
	ErrManipulator     = errors.New("manipulator runtime error")
	ErrMaterialization = errors.New("materialization error")
	ErrCancelled       = errors.New("execution cancelled")

	// Scheduling outcomes reported to callers of the engine.
	ErrUnknownExecution = errors.New("unknown execution")
	ErrAlreadyActive    = errors.New("execution already active")
	ErrDuplicateID      = errors.New("execution id already used")
	ErrNotActive        = errors.New("execution is not active")
	ErrQueueFull        = errors.New("execution queue is full")
	ErrShuttingDown     = errors.New("engine shutting down")
)

// ConfigError reports a chain step that cannot run as configured: unknown
// manipulator, scope mismatch, incompatible format or a malformed param map.
type ConfigError struct {
	Manipulator string
	Source      string
	Msg         string
	Cause       error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(ErrConfiguration.Error())
	if e.Source != "" {
		fmt.Fprintf(&b, " source=%s", e.Source)
	}
	if e.Manipulator != "" {
		fmt.Fprintf(&b, " manipulator=%s", e.Manipulator)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error        { return e.Cause }
func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

// Configf builds a ConfigError without a cause.
func Configf(manipulator, source, format string, args ...any) error {
	return &ConfigError{Manipulator: manipulator, Source: source, Msg: fmt.Sprintf(format, args...)}
}

// IntegrityError reports a model or plan that violates a structural invariant.
type IntegrityError struct {
	Msg   string
	Cause error
}

func (e *IntegrityError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrDataIntegrity, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrDataIntegrity, e.Msg)
}

func (e *IntegrityError) Unwrap() error        { return e.Cause }
func (e *IntegrityError) Is(target error) bool { return target == ErrDataIntegrity }

func Integrityf(format string, args ...any) error {
	return &IntegrityError{Msg: fmt.Sprintf(format, args...)}
}

// ManipulatorError wraps a failure raised by a manipulator's annotation phase.
type ManipulatorError struct {
	Manipulator string
	Source      string
	Phase       string
	Cause       error
}

func (e *ManipulatorError) Error() string {
	if e == nil {
		return ""
	}
	where := e.Phase
	if e.Source != "" {
		where = fmt.Sprintf("%s source=%s", e.Phase, e.Source)
	}
	return fmt.Sprintf("%s manipulator=%s (%s): %v", ErrManipulator, e.Manipulator, where, e.Cause)
}

func (e *ManipulatorError) Unwrap() error        { return e.Cause }
func (e *ManipulatorError) Is(target error) bool { return target == ErrManipulator }

// MaterializationError names the image and operation that failed.
type MaterializationError struct {
	Src   string
	Dst   string
	Op    string
	Cause error
}

func (e *MaterializationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s image=%s dst=%s op=%s: %v", ErrMaterialization, e.Src, e.Dst, e.Op, e.Cause)
}

func (e *MaterializationError) Unwrap() error        { return e.Cause }
func (e *MaterializationError) Is(target error) bool { return target == ErrMaterialization }
