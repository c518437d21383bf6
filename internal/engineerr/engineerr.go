// Package engineerr implements the error taxonomy described in the
// engine's error handling design: a small set of typed errors that
// every component wraps with fmt.Errorf("...: %w", err) the way
// dash2hlsd's client and downloader do, plus helpers to classify an
// error for the propagation policy (warning vs fatal vs retry).
package engineerr

import (
	"errors"
	"fmt"
)

// Code identifies a specific error condition within a Kind.
type Code string

const (
	CodeStartingTimeNotFound  Code = "MEDIA_STARTING_TIME_NOT_FOUND"
	CodeIncompatibleCodecs    Code = "MANIFEST_INCOMPATIBLE_CODECS_ERROR"
	CodeManifestParse         Code = "MANIFEST_PARSE_ERROR"
	CodeBufferFull            Code = "MEDIA_BUFFER_FULL_NON_RECOVERABLE"
	CodeIsEncrypted           Code = "MEDIA_IS_ENCRYPTED_ERROR"
	CodeKeyStatusChange       Code = "KEY_STATUS_CHANGE_ERROR"
	CodeQuotaExceeded         Code = "QUOTA_EXCEEDED_ERROR"
	CodeSourceBufferOther     Code = "SOURCE_BUFFER_ERROR"
	CodeOther                 Code = "OTHER_ERROR"
)

// NetworkError wraps a transient transport failure (HTTP, connection,
// timeout). It is retried per the configured retry policy; once
// retries are exhausted it is surfaced as fatal on the owning
// Representation.
type NetworkError struct {
	URL        string
	StatusCode int
	Offline    bool
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network error fetching %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// MediaError covers manifest/codec/buffer conditions that are not
// transport failures. Fatal unless explicitly noted otherwise at the
// call site.
type MediaError struct {
	Code Code
	Err  error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media error [%s]: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("media error [%s]", e.Code)
}

func (e *MediaError) Unwrap() error { return e.Err }

// EncryptedMediaError covers DRM/license failures. Fatal unless the
// affected Representations can be excluded by the Adaptation Stream.
type EncryptedMediaError struct {
	Code Code
	Err  error
}

func (e *EncryptedMediaError) Error() string {
	return fmt.Sprintf("encrypted media error [%s]: %v", e.Code, e.Err)
}

func (e *EncryptedMediaError) Unwrap() error { return e.Err }

// SourceBufferError comes from the platform media buffer.
// QuotaExceeded is recoverable via targeted eviction; anything else is
// fatal.
type SourceBufferError struct {
	Code Code
	Err  error
}

func (e *SourceBufferError) Error() string {
	return fmt.Sprintf("source buffer error [%s]: %v", e.Code, e.Err)
}

func (e *SourceBufferError) Unwrap() error { return e.Err }

func (e *SourceBufferError) Recoverable() bool {
	return e.Code == CodeQuotaExceeded
}

// OtherError is the catch-all.
type OtherError struct {
	Code Code
	Err  error
}

func (e *OtherError) Error() string {
	return fmt.Sprintf("error [%s]: %v", e.Code, e.Err)
}

func (e *OtherError) Unwrap() error { return e.Err }

// CancellationError is raised internally by cancelled tasks. It must
// never be surfaced to the host as a fatal error; callers should
// check IsCancellation and swallow it.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return "operation cancelled"
	}
	return fmt.Sprintf("operation cancelled: %s", e.Reason)
}

// NewCancellation builds a CancellationError with the given reason.
func NewCancellation(reason string) error {
	return &CancellationError{Reason: reason}
}

// IsCancellation reports whether err is (or wraps) a CancellationError.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}

// IsFatalToRepresentation reports whether err should eliminate the
// current Representation from consideration, per the propagation
// policy: network errors exhausted, non-recoverable source buffer
// errors, and most media errors.
func IsFatalToRepresentation(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	var sbe *SourceBufferError
	if errors.As(err, &sbe) {
		return !sbe.Recoverable()
	}
	return true
}

// IsFatalToAdaptation reports whether err should propagate as fatal to
// the whole Period because an entire Adaptation of audio or video has
// become unusable.
func IsFatalToAdaptation(err error) bool {
	var me *MediaError
	if errors.As(err, &me) {
		return me.Code == CodeIncompatibleCodecs
	}
	var eme *EncryptedMediaError
	return errors.As(err, &eme)
}
