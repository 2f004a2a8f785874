package service

import (
	"context"
	"fmt"

	"crm/internal/apperr"
	"crm/internal/billing"
	"crm/internal/logger"
	"crm/internal/model"
	"crm/internal/repository"
)

// NumberAllocator issues sequential document numbers of the form PREFIX-YYYY-NNNN.
type NumberAllocator interface {
	Next(ctx context.Context, scope string, year int) (string, error)
}

type numberAllocator struct {
	seqRepo repository.SequenceRepository
}

func NewNumberAllocator(seqRepo repository.SequenceRepository) NumberAllocator {
	return &numberAllocator{seqRepo: seqRepo}
}

var numberColumns = map[string]struct {
	table  interface{}
	column string
}{
	model.SequenceInvoice: {&model.Invoice{}, "invoice_number"},
	model.SequenceOrder:   {&model.ClientOrder{}, "order_number"},
}

// Next must run inside the transaction that inserts the numbered row, so the
// counter increment and the insert commit or roll back together.
func (a *numberAllocator) Next(ctx context.Context, scope string, year int) (string, error) {
	col, ok := numberColumns[scope]
	if !ok {
		return "", fmt.Errorf("unknown number scope %q", scope)
	}

	var floor int64
	greatest, err := a.seqRepo.MaxNumber(ctx, col.table, col.column, billing.YearPrefix(scope, year))
	if err != nil {
		return "", fmt.Errorf("failed to read greatest %s number: %w", scope, err)
	}
	if _, seq, ok := billing.ParseNumber(scope, greatest); ok {
		floor = seq
	}

	seq, err := a.seqRepo.Next(ctx, scope, year, floor)
	if err != nil {
		return "", err
	}
	return billing.FormatNumber(scope, year, seq), nil
}

// withNumberRetry runs fn in a fresh transaction, retrying while it fails on a
// unique violation. It must not be nested inside another transaction.
func withNumberRetry(ctx context.Context, tx repository.TransactionManager, attempts int, log *logger.Logger, fn func(txCtx context.Context) error) error {
	if repository.InTx(ctx) {
		return fmt.Errorf("document numbering cannot join an open transaction")
	}
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		err := tx.RunInTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !repository.IsDuplicateKey(err) {
			return err
		}
		log.Warn("document number collision, retrying", "attempt", attempt, "max_attempts", attempts, "error", err)
	}
	return apperr.ErrNumberingExhausted
}
