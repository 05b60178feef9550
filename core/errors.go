package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrChallengeNotFound            = errors.New("challenge not found")
	ErrCredentialVerificationFailed = errors.New("credential verification failed")
	ErrUnknownCredential            = errors.New("unknown credential")
	ErrPossibleCloneDetected        = errors.New("possible cloned authenticator")
	ErrInvalidRecoveryCode          = errors.New("invalid recovery code")
	ErrInvalidSession               = errors.New("invalid session")
	ErrDecryptionFailed             = errors.New("decryption failed")
	ErrInvalidSecretMaterial        = errors.New("invalid secret material")
	ErrAlreadyAcknowledged          = errors.New("recovery codes already acknowledged")

	ErrEmailUnavailable    = errors.New("email unavailable")
	ErrRateLimited         = errors.New("too many attempts")
	ErrLastCredential      = errors.New("cannot revoke the last credential")
	ErrVerifierUnavailable = errors.New("passkey verifier unavailable")
	ErrNotifierUnavailable = errors.New("notifier unavailable")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrNotFound            = errors.New("not found")
	ErrCredentialExists    = errors.New("credential already registered")
	ErrAlreadyConsumed     = errors.New("already consumed")
	ErrCounterNotIncreased = errors.New("signature counter did not increase")
)

// RetryableError marks a transient failure of an external collaborator. The
// caller may retry the whole operation.
type RetryableError struct {
	Kind error
	Err  error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *RetryableError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Retryable wraps err as a transient failure of the given kind
func Retryable(kind, err error) error {
	return &RetryableError{Kind: kind, Err: err}
}

// IsRetryable reports whether err (or anything it wraps) is transient
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

// RateLimitError carries how long the caller should wait
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

var codes = []struct {
	err  error
	code string
}{
	// Order matters: the first match wins, so more specific kinds come first.
	{ErrPossibleCloneDetected, "POSSIBLE_CLONE_DETECTED"},
	{ErrChallengeNotFound, "CHALLENGE_NOT_FOUND"},
	{ErrUnknownCredential, "UNKNOWN_CREDENTIAL"},
	{ErrCredentialVerificationFailed, "CREDENTIAL_VERIFICATION_FAILED"},
	{ErrInvalidRecoveryCode, "INVALID_RECOVERY_CODE"},
	{ErrInvalidSession, "INVALID_SESSION"},
	{ErrDecryptionFailed, "DECRYPTION_FAILED"},
	{ErrInvalidSecretMaterial, "INVALID_SECRET_MATERIAL"},
	{ErrAlreadyAcknowledged, "ALREADY_ACKNOWLEDGED"},
	{ErrEmailUnavailable, "EMAIL_UNAVAILABLE"},
	{ErrRateLimited, "RATE_LIMITED"},
	{ErrLastCredential, "LAST_CREDENTIAL"},
	{ErrVerifierUnavailable, "VERIFIER_UNAVAILABLE"},
	{ErrNotifierUnavailable, "NOTIFIER_UNAVAILABLE"},
	{ErrInvalidRequest, "INVALID_REQUEST"},
	{ErrNotFound, "NOT_FOUND"},
}

// Code maps err to a stable, caller-visible error code
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}
