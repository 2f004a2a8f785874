package service

import (
	"context"

	"crm/internal/model"
	"crm/internal/pipeline"
	"crm/internal/repository"

	"golang.org/x/sync/errgroup"
)

type StatisticsService interface {
	GetDashboard(ctx context.Context) (model.DashboardStatistics, error)
}

type statisticsService struct {
	statsRepo repository.StatisticsRepository
	taskRepo  repository.ReconciliationRepository
	now       Clock
}

func NewStatisticsService(statsRepo repository.StatisticsRepository, taskRepo repository.ReconciliationRepository) StatisticsService {
	return &statisticsService{statsRepo: statsRepo, taskRepo: taskRepo, now: systemClock}
}

// GetDashboard aggregates the pipeline and billing overview. The queries are independent and run concurrently.
func (s *statisticsService) GetDashboard(ctx context.Context) (model.DashboardStatistics, error) {
	var resp model.DashboardStatistics
	now := s.now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := s.statsRepo.ClientsByStatus(gctx)
		resp.ClientsByStatus = rows
		return err
	})
	g.Go(func() error {
		rows, err := s.statsRepo.InvoicesByStatus(gctx)
		resp.InvoicesByStatus = rows
		return err
	})
	g.Go(func() error {
		v, err := s.statsRepo.Outstanding(gctx)
		resp.Outstanding = v
		return err
	})
	g.Go(func() error {
		n, err := s.statsRepo.CountOverdue(gctx, now)
		resp.OverdueInvoices = n
		return err
	})
	g.Go(func() error {
		n, err := s.taskRepo.CountByStatus(gctx, model.ReconcilePending)
		resp.PendingReconcile = n
		return err
	})
	if err := g.Wait(); err != nil {
		return model.DashboardStatistics{}, err
	}

	leads, _ := pipeline.ViewStages(pipeline.ViewLeads)
	clients, _ := pipeline.ViewStages(pipeline.ViewClients)
	resp.LeadCount = sumStatuses(resp.ClientsByStatus, leads)
	resp.ClientCount = sumStatuses(resp.ClientsByStatus, clients)
	if resp.ClientsByStatus == nil {
		resp.ClientsByStatus = []model.StatusCount{}
	}
	if resp.InvoicesByStatus == nil {
		resp.InvoicesByStatus = []model.StatusAmount{}
	}
	return resp, nil
}

func sumStatuses(rows []model.StatusCount, stages []string) int64 {
	var total int64
	for _, r := range rows {
		for _, st := range stages {
			if r.Status == st {
				total += r.Count
				break
			}
		}
	}
	return total
}
