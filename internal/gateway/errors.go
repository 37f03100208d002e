package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers"
)

// Kind classifies how a completion failed.
type Kind int

const (
	// KindThrottled: upstream rejected the call for rate or capacity (429, 529).
	KindThrottled Kind = iota + 1
	// KindTransient: timeouts, network failures, 408, 409, 5xx and unknown errors.
	KindTransient
	// KindFatal: the request itself is unacceptable; retrying cannot help.
	KindFatal
	// KindExhaustedRetries: every attempt in the budget failed retryably.
	KindExhaustedRetries
)

func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindExhaustedRetries:
		return "exhausted_retries"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on *Error.
var (
	ErrThrottled        = errors.New("gateway: throttled")
	ErrTransient        = errors.New("gateway: transient upstream error")
	ErrFatal            = errors.New("gateway: fatal upstream error")
	ErrExhaustedRetries = errors.New("gateway: retries exhausted")

	// ErrInvalidRequest is wrapped by fatal errors raised before any upstream
	// call.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoProvider is wrapped by fatal errors when no client serves a tier.
	ErrNoProvider = errors.New("no provider configured")
)

// Error is the terminal failure of a Complete call. Every waiter of a
// coalesced call receives the same *Error.
type Error struct {
	Kind Kind
	// Tier is the tier of the last attempt.
	Tier string
	// Attempts is the number of upstream calls made.
	Attempts int
	// LastKind is the kind of the final attempt; set for KindExhaustedRetries.
	LastKind Kind
	// Err is the underlying upstream error.
	Err error
}

func (e *Error) Error() string {
	if e.Kind == KindExhaustedRetries {
		return fmt.Sprintf("gateway: %s after %d attempt(s) on %s (last: %s): %v",
			e.Kind, e.Attempts, e.Tier, e.LastKind, e.Err)
	}
	return fmt.Sprintf("gateway: %s on %s after %d attempt(s): %v", e.Kind, e.Tier, e.Attempts, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying error, so
// errors.Is(err, ErrThrottled) and errors.As(err, &providerErr) both work.
func (e *Error) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

// Throttled reports whether the failure was, ultimately, upstream throttling.
func (e *Error) Throttled() bool {
	return e.Kind == KindThrottled || (e.Kind == KindExhaustedRetries && e.LastKind == KindThrottled)
}

func (k Kind) sentinel() error {
	switch k {
	case KindThrottled:
		return ErrThrottled
	case KindTransient:
		return ErrTransient
	case KindFatal:
		return ErrFatal
	case KindExhaustedRetries:
		return ErrExhaustedRetries
	default:
		return nil
	}
}

// outcome is the result of one upstream attempt.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeThrottled
	outcomeTransient
	outcomeFatal
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeThrottled:
		return "throttled"
	case outcomeTransient:
		return "transient"
	default:
		return "fatal"
	}
}

func (o outcome) kind() Kind {
	switch o {
	case outcomeThrottled:
		return KindThrottled
	case outcomeFatal:
		return KindFatal
	default:
		return KindTransient
	}
}

// statusOverloaded is Anthropic's "overloaded" status.
const statusOverloaded = 529

// classify maps an upstream error to an attempt outcome.
//
//	nil                         → success
//	429, 529                    → throttled
//	408, 409, 5xx               → transient
//	other 4xx                   → fatal
//	timeouts, network, unknown  → transient
func classify(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == http.StatusTooManyRequests || status == statusOverloaded:
			return outcomeThrottled
		case status == http.StatusRequestTimeout || status == http.StatusConflict:
			return outcomeTransient
		case status >= 500:
			return outcomeTransient
		case status >= 400:
			return outcomeFatal
		}
		return outcomeTransient
	}

	// Attempt timeouts, network failures and anything unrecognised.
	return outcomeTransient
}
