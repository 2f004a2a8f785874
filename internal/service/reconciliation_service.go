package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crm/internal/apperr"
	"crm/internal/config"
	"crm/internal/logger"
	"crm/internal/model"
	"crm/internal/observability"
	"crm/internal/realtime"
	"crm/internal/repository"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	reconcileBaseBackoff = 30 * time.Second
	reconcileMaxBackoff  = time.Hour
)

// Outcome values reported back to the caller of MarkPaid.
const (
	OutcomeNotLinked = "not_linked"
	OutcomeApplied   = "applied"
	OutcomePending   = "pending"
	OutcomeFailed    = "failed"
)

// --- DTOs ---

type ReconciliationOutcome struct {
	Status       string  `json:"status"`
	TaskID       *string `json:"task_id,omitempty"`
	Installments int     `json:"installments"`
	Error        string  `json:"error,omitempty"`
}

type ReconciliationTaskResponse struct {
	ID            string  `json:"id"`
	InvoiceID     string  `json:"invoice_id"`
	ClientID      string  `json:"client_id"`
	Amount        string  `json:"amount"`
	PaidAt        string  `json:"paid_at"`
	Status        string  `json:"status"`
	Attempts      int     `json:"attempts"`
	LastError     string  `json:"last_error"`
	NextAttemptAt string  `json:"next_attempt_at"`
	CompletedAt   *string `json:"completed_at"`
	CreatedAt     string  `json:"created_at"`
}

type ProcessResult struct {
	Processed int `json:"processed"`
	Applied   int `json:"applied"`
	Failed    int `json:"failed"`
}

// --- Interface ---

// Reconciler propagates recorded invoice payments to the linked installments.
type Reconciler interface {
	// Enqueue writes a pending task for a paid invoice and closes the invoice's
	// older open tasks. Call it inside the transaction that records the payment.
	// Returns nil when no installment is linked.
	Enqueue(ctx context.Context, invoice *model.Invoice) (*model.ReconciliationTask, error)
	// ApplyNow runs a single task immediately. Failures leave the task pending.
	ApplyNow(ctx context.Context, taskID uuid.UUID) ReconciliationOutcome
	ProcessDue(ctx context.Context) (ProcessResult, error)
	Retry(ctx context.Context, id string) (ReconciliationOutcome, error)
	ListTasks(ctx context.Context, status string, page, limit int) ([]ReconciliationTaskResponse, int64, error)
}

type reconciler struct {
	taskRepo  repository.ReconciliationRepository
	planRepo  repository.PaymentPlanRepository
	txManager repository.TransactionManager
	publisher realtime.Publisher
	log       *logger.Logger
	cfg       config.ReconcileConfig
	now       Clock
}

func NewReconciler(
	taskRepo repository.ReconciliationRepository,
	planRepo repository.PaymentPlanRepository,
	txManager repository.TransactionManager,
	publisher realtime.Publisher,
	log *logger.Logger,
	cfg config.ReconcileConfig,
) Reconciler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &reconciler{
		taskRepo:  taskRepo,
		planRepo:  planRepo,
		txManager: txManager,
		publisher: publisher,
		log:       log,
		cfg:       cfg,
		now:       systemClock,
	}
}

// --- Implementation ---

func (r *reconciler) Enqueue(ctx context.Context, invoice *model.Invoice) (*model.ReconciliationTask, error) {
	installments, err := r.planRepo.FindInstallmentsByInvoice(ctx, invoice.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load linked installments: %w", err)
	}
	if len(installments) == 0 {
		return nil, nil
	}

	superseded, err := r.taskRepo.SupersedeOpen(ctx, invoice.ID, r.now())
	if err != nil {
		return nil, fmt.Errorf("failed to supersede older reconciliations: %w", err)
	}
	if superseded > 0 {
		r.log.Info("older reconciliation tasks superseded", "invoice_id", invoice.ID, "count", superseded)
	}

	paidAt := r.now()
	if invoice.Payment.PaidDate != nil {
		paidAt = *invoice.Payment.PaidDate
	}
	task := model.ReconciliationTask{
		InvoiceID:     invoice.ID,
		ClientID:      installments[0].ClientID,
		Amount:        invoice.Payment.PaidAmount,
		PaidAt:        paidAt,
		Status:        model.ReconcilePending,
		NextAttemptAt: r.now(),
	}
	if err := r.taskRepo.Create(ctx, &task); err != nil {
		return nil, fmt.Errorf("failed to enqueue reconciliation: %w", err)
	}
	return &task, nil
}

func (r *reconciler) ApplyNow(ctx context.Context, taskID uuid.UUID) ReconciliationOutcome {
	id := taskID.String()
	out := ReconciliationOutcome{Status: OutcomePending, TaskID: &id}

	applied, err := r.process(ctx, taskID)
	if err != nil {
		out.Error = err.Error()
		task, findErr := r.taskRepo.FindByID(ctx, taskID)
		if findErr == nil && task.Status == model.ReconcileFailed {
			out.Status = OutcomeFailed
		}
		return out
	}
	out.Status = OutcomeApplied
	out.Installments = applied
	return out
}

func (r *reconciler) ProcessDue(ctx context.Context) (ProcessResult, error) {
	var res ProcessResult
	tasks, err := r.taskRepo.ListDue(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to list due reconciliation tasks: %w", err)
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++
		if _, err := r.process(ctx, task.ID); err != nil {
			res.Failed++
			continue
		}
		res.Applied++
	}
	if res.Processed > 0 {
		r.log.Info("reconciliation batch finished", "processed", res.Processed, "applied", res.Applied, "failed", res.Failed)
	}
	return res, nil
}

func (r *reconciler) Retry(ctx context.Context, id string) (ReconciliationOutcome, error) {
	taskID, err := parseID("id", id)
	if err != nil {
		return ReconciliationOutcome{}, err
	}
	task, err := r.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return ReconciliationOutcome{}, err
	}
	if task.Status == model.ReconcileDone {
		return ReconciliationOutcome{}, apperr.Conflict("reconciliation task already applied")
	}

	task.Status = model.ReconcilePending
	task.NextAttemptAt = r.now()
	if err := r.taskRepo.Save(ctx, task); err != nil {
		return ReconciliationOutcome{}, fmt.Errorf("failed to reset reconciliation task: %w", err)
	}
	return r.ApplyNow(ctx, taskID), nil
}

func (r *reconciler) ListTasks(ctx context.Context, status string, page, limit int) ([]ReconciliationTaskResponse, int64, error) {
	page, limit = normalizePage(page, limit)
	tasks, total, err := r.taskRepo.List(ctx, status, page, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch reconciliation tasks: %w", err)
	}
	result := make([]ReconciliationTaskResponse, 0, len(tasks))
	for _, t := range tasks {
		result = append(result, toReconciliationTaskResponse(t))
	}
	return result, total, nil
}

// process applies one task. A task that is no longer pending is skipped.
func (r *reconciler) process(ctx context.Context, taskID uuid.UUID) (int, error) {
	ctx, span := observability.Tracer().Start(ctx, "reconciliation.apply")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID.String()))

	var (
		task    *model.ReconciliationTask
		applied int
	)
	err := r.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		task, err = r.taskRepo.FindByIDForUpdate(txCtx, taskID)
		if err != nil {
			return err
		}
		if task.Status != model.ReconcilePending {
			return nil
		}

		applied, err = r.apply(txCtx, task)
		if err != nil {
			return err
		}

		done := r.now()
		task.Status = model.ReconcileDone
		task.Attempts++
		task.LastError = ""
		task.CompletedAt = &done
		return r.taskRepo.Save(txCtx, task)
	})
	if err == nil {
		if applied > 0 {
			publish(ctx, r.log, r.publisher, realtime.EventReconciliationDone, map[string]any{
				"task_id":      taskID.String(),
				"invoice_id":   task.InvoiceID.String(),
				"installments": applied,
			})
		}
		return applied, nil
	}
	if task == nil || errors.Is(err, context.Canceled) {
		return 0, err
	}

	span.RecordError(err)
	r.recordFailure(ctx, task, err)
	return 0, err
}

// apply marks every installment linked to the task's invoice as paid. Running
// it twice leaves the first paid date in place.
func (r *reconciler) apply(ctx context.Context, task *model.ReconciliationTask) (int, error) {
	installments, err := r.planRepo.FindInstallmentsByInvoice(ctx, task.InvoiceID)
	if err != nil {
		return 0, fmt.Errorf("failed to load linked installments: %w", err)
	}
	for i := range installments {
		inst := &installments[i]
		if inst.ClientID != task.ClientID {
			return 0, fmt.Errorf("installment %s belongs to another client", inst.ID)
		}
		amount := task.Amount
		inst.Status = model.InstallmentPaid
		inst.PaidAmount = &amount
		if inst.PaidDate == nil {
			paidAt := task.PaidAt
			inst.PaidDate = &paidAt
		}
		if err := r.planRepo.SaveInstallment(ctx, inst); err != nil {
			return 0, fmt.Errorf("failed to update installment %d: %w", inst.Sequence, err)
		}
	}
	return len(installments), nil
}

func (r *reconciler) recordFailure(ctx context.Context, task *model.ReconciliationTask, cause error) {
	task.Attempts++
	task.LastError = cause.Error()
	task.NextAttemptAt = r.now().Add(backoff(task.Attempts))
	if task.Attempts >= r.cfg.MaxAttempts {
		task.Status = model.ReconcileFailed
	}
	// the task row was rolled back with the failed apply; persist the attempt outside it
	if err := r.taskRepo.Save(context.WithoutCancel(ctx), task); err != nil {
		r.log.Error("failed to record reconciliation attempt", "task_id", task.ID, "error", err)
	}

	r.log.Warn("payment reconciliation failed",
		"task_id", task.ID,
		"invoice_id", task.InvoiceID,
		"client_id", task.ClientID,
		"attempts", task.Attempts,
		"status", task.Status,
		"error", cause,
	)
	publish(ctx, r.log, r.publisher, realtime.EventReconciliationFailed, map[string]any{
		"task_id":    task.ID.String(),
		"invoice_id": task.InvoiceID.String(),
		"client_id":  task.ClientID.String(),
		"attempts":   task.Attempts,
		"status":     task.Status,
		"error":      cause.Error(),
	})
}

func backoff(attempts int) time.Duration {
	d := reconcileBaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= reconcileMaxBackoff {
			return reconcileMaxBackoff
		}
	}
	return d
}

// --- Mapping ---

func toReconciliationTaskResponse(t model.ReconciliationTask) ReconciliationTaskResponse {
	return ReconciliationTaskResponse{
		ID:            t.ID.String(),
		InvoiceID:     t.InvoiceID.String(),
		ClientID:      t.ClientID.String(),
		Amount:        t.Amount.StringFixed(2),
		PaidAt:        t.PaidAt.Format(time.RFC3339),
		Status:        t.Status,
		Attempts:      t.Attempts,
		LastError:     t.LastError,
		NextAttemptAt: t.NextAttemptAt.Format(time.RFC3339),
		CompletedAt:   formatTime(t.CompletedAt),
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
	}
}
