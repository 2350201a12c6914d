package tts

import "errors"

var (
	// ErrSynthesisUnavailable means the backend could not be reached or is
	// misconfigured. Callers retry with backoff.
	ErrSynthesisUnavailable = errors.New("synthesis unavailable")

	// ErrSynthesisRejected means the backend refused the text or voice.
	// Retrying the same request will not help.
	ErrSynthesisRejected = errors.New("synthesis rejected")

	// ErrEmptyText is returned when there is nothing to speak.
	ErrEmptyText = errors.New("text cannot be empty")
)

// SynthesisError provides detail from a backend failure.
type SynthesisError struct {
	Provider  string
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

func (e *SynthesisError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the failure category and the underlying cause.
func (e *SynthesisError) Unwrap() []error {
	category := ErrSynthesisRejected
	if e.Retryable {
		category = ErrSynthesisUnavailable
	}
	if e.Cause == nil {
		return []error{category}
	}
	return []error{category, e.Cause}
}

func unavailable(provider, code, message string, cause error) *SynthesisError {
	return &SynthesisError{Provider: provider, Code: code, Message: message, Cause: cause, Retryable: true}
}

func rejected(provider, code, message string, cause error) *SynthesisError {
	return &SynthesisError{Provider: provider, Code: code, Message: message, Cause: cause}
}

// statusError classifies an HTTP status from a cloud backend.
func statusError(provider string, status int, body string) *SynthesisError {
	switch {
	case status == 429 || status >= 500:
		return unavailable(provider, "http_status", body, nil)
	case status == 401 || status == 403:
		return unavailable(provider, "unauthorized", body, nil)
	default:
		return rejected(provider, "http_status", body, nil)
	}
}
