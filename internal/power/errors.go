package power

import (
	"errors"
	"fmt"
	"strings"

	"github.com/QingMing-Bot/pc-manager/internal/credential"
)

// ErrorKind classifies a provider failure.
type ErrorKind int

const (
	// KindTransient failures are collected and only surface when every provider fails.
	KindTransient ErrorKind = iota
	// KindFatal failures abort the request immediately.
	KindFatal
	// KindInvalid marks malformed input (bad arguments, unparseable keys).
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindInvalid:
		return "invalid"
	}
	return "transient"
}

// ProviderError is a failure attributed to one provider.
type ProviderError struct {
	Provider string
	Op       string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s failed (%s): %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AllProvidersFailedError is returned when every provider offering an
// operation failed. Errors holds one *ProviderError per attempt, in order.
type AllProvidersFailedError struct {
	Machine string
	Op      string
	Errors  []error
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("machine %s: %s: all %d providers failed: [%s]", e.Machine, e.Op, len(e.Errors), strings.Join(parts, "; "))
}

func (e *AllProvidersFailedError) Unwrap() []error { return e.Errors }

// OperationNotFoundError means no provider of the machine offers the operation.
type OperationNotFoundError struct {
	Machine string
	Op      string
}

func (e *OperationNotFoundError) Error() string {
	return fmt.Sprintf("operation %q not found for machine %s", e.Op, e.Machine)
}

// ArgumentError reports a wrong argument count or value for a built-in operation.
type ArgumentError struct {
	Op   string
	Want int
	Got  int
	Err  error
}

func (e *ArgumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: invalid argument: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: expects %d argument(s), got %d", e.Op, e.Want, e.Got)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// HostUnavailableError means a libvirt host machine could not be powered on.
type HostUnavailableError struct {
	Host   string
	Status string
	Err    error
}

func (e *HostUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not wake host %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("could not wake host %s (status %s)", e.Host, e.Status)
}

func (e *HostUnavailableError) Unwrap() error { return e.Err }

// CycleError reports a custom operation that re-enters itself.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "custom operation cycle: " + strings.Join(e.Path, " -> ")
}

// ErrReentrant is returned when a machine's status is ensured from inside its
// own ensure_status call, e.g. a libvirt guest hosted on itself.
var ErrReentrant = errors.New("ensure_status re-entered for the same machine")

// kindOf picks the ProviderError kind for err.
func kindOf(err error) ErrorKind {
	var (
		hu *HostUnavailableError
		ae *ArgumentError
		ce *CycleError
		ke *credential.KeyParseError
	)
	switch {
	case errors.As(err, &hu), errors.As(err, &ce), errors.Is(err, ErrReentrant):
		return KindFatal
	case errors.As(err, &ae), errors.As(err, &ke), errors.Is(err, credential.ErrUnknownKind):
		return KindInvalid
	}
	return KindTransient
}

// IsFatal reports whether err must abort fallback chaining.
func IsFatal(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == KindFatal
	}
	return kindOf(err) == KindFatal
}
