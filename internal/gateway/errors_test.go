package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want outcome
	}{
		{"nil", nil, outcomeSuccess},
		{"429", statusErr{code: 429}, outcomeThrottled},
		{"529 overloaded", statusErr{code: 529}, outcomeThrottled},
		{"408", statusErr{code: 408}, outcomeTransient},
		{"409", statusErr{code: 409}, outcomeTransient},
		{"500", statusErr{code: 500}, outcomeTransient},
		{"503", statusErr{code: 503}, outcomeTransient},
		{"400", statusErr{code: 400}, outcomeFatal},
		{"401", statusErr{code: 401}, outcomeFatal},
		{"404", statusErr{code: 404}, outcomeFatal},
		{"wrapped 429", fmt.Errorf("openai: %w", statusErr{code: 429}), outcomeThrottled},
		{"deadline", context.DeadlineExceeded, outcomeTransient},
		{"network", &net.OpError{Op: "dial", Err: io.ErrUnexpectedEOF}, outcomeTransient},
		{"unknown", errors.New("boom"), outcomeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestError_IsAndAs(t *testing.T) {
	upstream := statusErr{code: 503}
	err := error(&Error{Kind: KindTransient, Tier: "gpt-4o", Attempts: 1, Err: upstream})

	if !errors.Is(err, ErrTransient) {
		t.Error("errors.Is(err, ErrTransient) = false")
	}
	if errors.Is(err, ErrThrottled) {
		t.Error("errors.Is(err, ErrThrottled) = true")
	}
	var se statusErr
	if !errors.As(err, &se) || se.code != 503 {
		t.Errorf("errors.As did not reach the upstream error")
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{
		Kind:     KindExhaustedRetries,
		Tier:     "gpt-4o",
		Attempts: 5,
		LastKind: KindThrottled,
		Err:      statusErr{code: 429},
	}
	msg := err.Error()
	for _, want := range []string{"exhausted_retries", "5 attempt", "gpt-4o", "last: throttled", "429"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestError_Throttled(t *testing.T) {
	tests := []struct {
		err  *Error
		want bool
	}{
		{&Error{Kind: KindThrottled}, true},
		{&Error{Kind: KindExhaustedRetries, LastKind: KindThrottled}, true},
		{&Error{Kind: KindExhaustedRetries, LastKind: KindTransient}, false},
		{&Error{Kind: KindFatal}, false},
	}
	for _, tt := range tests {
		if got := tt.err.Throttled(); got != tt.want {
			t.Errorf("%s/%s Throttled() = %v, want %v", tt.err.Kind, tt.err.LastKind, got, tt.want)
		}
	}
}
