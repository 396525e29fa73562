package service

import (
	"context"
	"sync"

	"github.com/payrollhub/payroll-backend/internal/events"
	"github.com/payrollhub/payroll-backend/internal/ingestion/normalizer"
	"github.com/payrollhub/payroll-backend/internal/payroll/rules"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/payrollhub/payroll-backend/internal/workspace/store"
	"github.com/payrollhub/payroll-backend/pkg/errors"
	"github.com/payrollhub/payroll-backend/pkg/logger"
)

// Service runs payroll calculations. One calculation executes per
// (workspace, period) at a time; a concurrent request for the same pair
// gets a retryable busy error instead of interleaving writes.
type Service struct {
	store  store.Store
	engine *rules.Engine
	events *events.PayrollEvents
	log    *logger.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates the calculation service
func New(st store.Store, engine *rules.Engine, ev *events.PayrollEvents, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		engine:   engine,
		events:   ev,
		log:      log.WithComponent("payroll"),
		inflight: make(map[string]bool),
	}
}

// Calculate computes payroll for a period. An empty employees slice means
// the whole workspace; a subset run returns results for just those
// employees and does not replace the stored full result set. The engine is
// deterministic, so repeating a call with unchanged inputs reproduces the
// stored results exactly.
func (s *Service) Calculate(ctx context.Context, workspaceID, period string, employees []string) ([]domain.PayrollResult, error) {
	canonical, err := normalizer.NormalizePeriod(period)
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}

	if !s.tryLock(workspaceID, canonical) {
		return nil, errors.Busy("calculation already running for " + workspaceID + "/" + canonical)
	}
	defer s.unlock(workspaceID, canonical)

	facts, err := s.store.ListFacts(ctx, workspaceID, canonical, false)
	if err != nil {
		return nil, err
	}
	policies, err := s.store.ListPolicies(ctx, workspaceID, canonical)
	if err != nil {
		return nil, err
	}

	if len(employees) > 0 {
		selected := make(map[string]bool, len(employees))
		for _, name := range employees {
			selected[normalizer.NormalizeKey(name)] = true
		}
		facts = filterFacts(facts, selected)
	}

	results := s.engine.Compute(canonical, facts, policies)

	rejected := 0
	for i := range results {
		if results[i].Status == domain.ResultRejected {
			rejected++
		}
	}

	if len(employees) == 0 {
		if err := s.store.SaveResults(ctx, workspaceID, canonical, results); err != nil {
			return nil, err
		}
		s.events.CalculationCompleted(ctx, workspaceID, canonical, len(results), rejected)
	}

	s.log.Info().
		Str("workspace_id", workspaceID).
		Str("period", canonical).
		Int("results", len(results)).
		Int("rejected", rejected).
		Msg("Calculation completed")
	return results, nil
}

// Results returns the stored result set for a period
func (s *Service) Results(ctx context.Context, workspaceID, period string) ([]domain.PayrollResult, error) {
	canonical, err := normalizer.NormalizePeriod(period)
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	return s.store.GetResults(ctx, workspaceID, canonical)
}

func (s *Service) tryLock(workspaceID, period string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := workspaceID + "|" + period
	if s.inflight[key] {
		return false
	}
	s.inflight[key] = true
	return true
}

func (s *Service) unlock(workspaceID, period string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, workspaceID+"|"+period)
}

func filterFacts(facts []domain.FactRecord, selected map[string]bool) []domain.FactRecord {
	var out []domain.FactRecord
	for _, fact := range facts {
		if selected[fact.EmployeeKey] {
			out = append(out, fact)
		}
	}
	return out
}
