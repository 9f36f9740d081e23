package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sally/internal/domain"
)

// DebitJournal keeps debits that could not be confirmed by the server so
// they can be replayed under the same idempotency key.
type DebitJournal interface {
	Append(req domain.CreditDebitRequest) error
	Pending() ([]domain.CreditDebitRequest, error)
	Remove(idempotencyKey string) error
}

type Settlement struct {
	ledger   CreditLedger
	profiles ProfileStore
	journal  DebitJournal
	notifier Notifier
	amount   int
	logger   *slog.Logger
}

func NewSettlement(
	ledger CreditLedger,
	profiles ProfileStore,
	journal DebitJournal,
	notifier Notifier,
	amount int,
	logger *slog.Logger,
) *Settlement {
	if amount <= 0 {
		amount = 1
	}
	return &Settlement{
		ledger:   ledger,
		profiles: profiles,
		journal:  journal,
		notifier: notifier,
		amount:   amount,
		logger:   logger,
	}
}

// Settle debits one turn and then always refreshes the profile so the UI
// shows the server's balance. A failed debit is journaled and reported as a
// debit-failed failure; it never undoes the turn.
func (s *Settlement) Settle(ctx context.Context, authToken string) (string, error) {
	req := domain.CreditDebitRequest{
		Amount:         s.amount,
		AuthToken:      authToken,
		IdempotencyKey: uuid.NewString(),
		RequestedAt:    time.Now().UTC(),
	}

	msg, err := s.ledger.Debit(ctx, req)
	if err != nil {
		s.logger.Warn("credit debit failed", "error", err, "key", req.IdempotencyKey, "amount", req.Amount)
		s.park(ctx, req, err)
	} else {
		s.logger.Info("credits debited", "amount", req.Amount, "message", msg)
	}

	if refreshErr := s.profiles.Refresh(ctx); refreshErr != nil {
		s.logger.Warn("refreshing profile after settlement", "error", refreshErr)
	}

	if err != nil {
		return "", domain.NewFailure(domain.FailureDebit, err)
	}
	return msg, nil
}

func (s *Settlement) park(ctx context.Context, req domain.CreditDebitRequest, cause error) {
	if s.journal != nil {
		if err := s.journal.Append(req); err != nil {
			s.logger.Error("journaling unsettled debit", "error", err, "key", req.IdempotencyKey)
		}
	}
	note := fmt.Sprintf("Unsettled credit debit %s (%d credit): %v", req.IdempotencyKey, req.Amount, cause)
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error("notifying unsettled debit", "error", err)
	}
}

// Reconcile replays journaled debits. Entries the server accepts are
// removed; the rest stay for the next attempt.
func (s *Settlement) Reconcile(ctx context.Context, authToken string) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	pending, err := s.journal.Pending()
	if err != nil {
		return 0, fmt.Errorf("reading debit journal: %w", err)
	}

	settled := 0
	for _, req := range pending {
		req.AuthToken = authToken
		if _, err := s.ledger.Debit(ctx, req); err != nil {
			s.logger.Warn("replaying journaled debit", "error", err, "key", req.IdempotencyKey)
			continue
		}
		if err := s.journal.Remove(req.IdempotencyKey); err != nil {
			return settled, fmt.Errorf("removing settled debit %s: %w", req.IdempotencyKey, err)
		}
		settled++
	}

	if settled > 0 {
		if err := s.profiles.Refresh(ctx); err != nil {
			s.logger.Warn("refreshing profile after reconcile", "error", err)
		}
	}
	return settled, nil
}
