package application

import (
	"context"

	"sally/internal/domain"
)

// ProfileStore is the external owner of the user profile.
type ProfileStore interface {
	// Profile loads the current profile from its source of truth.
	Profile(ctx context.Context) (*domain.UserProfile, error)
	// Refresh asks the store to reload so the UI reflects the server balance.
	Refresh(ctx context.Context) error
}

// TokenSource yields the bearer token of the signed-in user.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// DialogueClient sends one utterance. Non-2xx answers come back as a
// *domain.Failure carrying the status.
type DialogueClient interface {
	Send(ctx context.Context, utterance domain.Utterance, authToken string, user domain.UserContext) (*domain.DialogueTurn, error)
}

type CreditLedger interface {
	Debit(ctx context.Context, req domain.CreditDebitRequest) (string, error)
}

// SignIn acquires a bearer token from an identity provider. It returns
// domain.ErrSignInCancelled when the user backs out.
type SignIn interface {
	SignIn(ctx context.Context, provider domain.Provider) (string, error)
}
