package application

import (
	"context"

	"sally/internal/domain"
)

// Notifier alerts operators, used for debits that could not be settled.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

type NoopNotifier struct{}

func (n *NoopNotifier) Notify(_ context.Context, _ string) error {
	return nil
}

// Presenter renders the orchestrator's view. Render must not block.
type Presenter interface {
	Render(view domain.View)
}

// PurchasePrompt is the external collaborator that opens the subscription
// flow when a turn is gated on subscription.
type PurchasePrompt interface {
	PromptSubscription(ctx context.Context)
}

type NoopPurchasePrompt struct{}

func (NoopPurchasePrompt) PromptSubscription(context.Context) {}
