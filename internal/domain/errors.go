package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState marks a transition attempted from a state that does
	// not permit it. It is a logic defect: logged and ignored.
	ErrInvalidState = errors.New("invalid call state")

	// ErrSignalingTimeout means the peer never answered the signaling step.
	ErrSignalingTimeout = errors.New("signaling timeout")
)

// SignalingRejectedError is an expected outcome: the peer declined or was busy.
type SignalingRejectedError struct {
	Reason Reason
}

func (e *SignalingRejectedError) Error() string {
	return fmt.Sprintf("call rejected: %s", e.Reason)
}

type MediaErrorReason string

const (
	MediaPermissionDenied MediaErrorReason = "permission-denied"
	MediaUnsupported      MediaErrorReason = "unsupported-environment"
	MediaJoinFailed       MediaErrorReason = "join-failed"
	MediaRuntime          MediaErrorReason = "media-error"
)

// Retryable reports whether a media join may be tried again with the
// same environment. Permission and environment problems never fix themselves.
func (r MediaErrorReason) Retryable() bool {
	return r == MediaJoinFailed || r == MediaRuntime
}

type MediaSessionError struct {
	Reason MediaErrorReason
	Err    error
}

func (e *MediaSessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media session: %s", e.Reason)
	}
	return fmt.Sprintf("media session: %s: %v", e.Reason, e.Err)
}

func (e *MediaSessionError) Unwrap() error { return e.Err }

type TransportReason string

const (
	TransportDialFailed       TransportReason = "dial-failed"
	TransportConnectionLost   TransportReason = "connection-lost"
	TransportRetriesExhausted TransportReason = "retries-exhausted"
	TransportNotConnected     TransportReason = "not-connected"
)

type TransportError struct {
	Reason TransportReason
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s", e.Reason)
	}
	return fmt.Sprintf("transport: %s: %v", e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MediaReason extracts the media error reason from err, if any.
func MediaReason(err error) (MediaErrorReason, bool) {
	var me *MediaSessionError
	if errors.As(err, &me) {
		return me.Reason, true
	}
	return "", false
}
