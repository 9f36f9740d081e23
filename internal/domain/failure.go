package domain

import (
	"errors"
	"fmt"
)

type FailureKind string

const (
	FailurePermissionDenied    FailureKind = "permission-denied"
	FailureRecognition         FailureKind = "speech-recognition-error"
	FailureAuthRequired        FailureKind = "auth-required"
	FailureProfileUnavailable  FailureKind = "profile-unavailable"
	FailureSubscriptionNeeded  FailureKind = "subscription-required"
	FailureOutOfCredits        FailureKind = "out-of-credits"
	FailureEntitlementRejected FailureKind = "entitlement-rejected-by-server"
	FailureEmptyResponse       FailureKind = "empty-response"
	FailureDialogue            FailureKind = "dialogue-failed"
	FailureSpeech              FailureKind = "speech-failed"
	FailurePlayback            FailureKind = "playback-failed"
	FailureDebit               FailureKind = "debit-failed"
)

// Fatal reports whether the failure aborts the turn. Synthesis and debit
// failures are absorbed.
func (k FailureKind) Fatal() bool {
	return k != FailureSpeech && k != FailureDebit
}

type RecognitionErrorKind string

const (
	RecognitionNetwork    RecognitionErrorKind = "network"
	RecognitionNotAllowed RecognitionErrorKind = "not-allowed"
	RecognitionOther      RecognitionErrorKind = "other"
)

// ParseRecognitionError maps a platform recogniser error code onto the
// closed taxonomy.
func ParseRecognitionError(code string) RecognitionErrorKind {
	switch code {
	case string(RecognitionNetwork):
		return RecognitionNetwork
	case string(RecognitionNotAllowed), "service-not-allowed":
		return RecognitionNotAllowed
	default:
		return RecognitionOther
	}
}

type PermissionReason string

const (
	PermissionDeclined    PermissionReason = "declined"
	PermissionUnavailable PermissionReason = "device-unavailable"
)

// Failure is a turn-scoped failure. None of them are fatal to the process.
type Failure struct {
	Kind        FailureKind
	Recognition RecognitionErrorKind
	Permission  PermissionReason
	// Status is the HTTP status for server-side failures, zero otherwise.
	Status int
	// Detail is a message supplied by the server, if any.
	Detail string
	Err    error
}

func NewFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

func (f *Failure) Error() string {
	msg := string(f.Kind)
	if f.Recognition != "" {
		msg += "(" + string(f.Recognition) + ")"
	}
	if f.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, f.Status)
	}
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

const genericDialogueMessage = "Sorry, I had a little trouble thinking. Please try again."

// Message is the text shown to the user for this failure.
func (f *Failure) Message() string {
	switch f.Kind {
	case FailurePermissionDenied:
		if f.Permission == PermissionUnavailable {
			return "No microphone was found. Please connect one and try again."
		}
		return "Please allow microphone access in your browser settings to use this feature."
	case FailureRecognition:
		switch f.Recognition {
		case RecognitionNetwork:
			return "Could not recognize speech: network error. Please check your connection."
		case RecognitionNotAllowed:
			return "Please allow microphone access in your browser settings to use this feature."
		default:
			return "Could not recognize speech. Please try again."
		}
	case FailureAuthRequired:
		return "Please log in again."
	case FailureProfileUnavailable:
		return "Please wait for your profile to load."
	case FailureSubscriptionNeeded:
		return "You need a subscription for this feature."
	case FailureOutOfCredits:
		return "You're out of credits! Please buy more."
	case FailureEntitlementRejected:
		if f.Status == 403 {
			return "You need a subscription for this feature."
		}
		return "You have used all your credits. Please buy more to continue talking to Sally."
	case FailureEmptyResponse:
		return "Sally didn't provide a response."
	case FailureDialogue:
		if f.Detail != "" {
			return f.Detail
		}
		return genericDialogueMessage
	case FailureSpeech:
		return "Could not play audio."
	case FailurePlayback:
		return "Could not play audio."
	case FailureDebit:
		return "Your credit balance may take a moment to update."
	default:
		return genericDialogueMessage
	}
}

// AsFailure extracts a *Failure from err, classifying anything else as kind.
func AsFailure(err error, kind FailureKind) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return NewFailure(kind, err)
}

var (
	ErrAutoplayBlocked = errors.New("autoplay blocked by platform policy")
	ErrSignInCancelled = errors.New("sign-in cancelled")
	ErrNoAuthToken     = errors.New("no auth token in session")
)
