package services

import (
	"github.com/buildswarm/orchestrator/pkg/cost"
)

// SnapshotSource is the read side of the cost governor.
type SnapshotSource interface {
	Snapshot() *cost.Snapshot
}

var _ SnapshotSource = (*cost.Governor)(nil)

// CostService exposes the live spend picture to the API.
type CostService struct {
	governor SnapshotSource
}

// NewCostService creates a cost service.
func NewCostService(g SnapshotSource) *CostService {
	return &CostService{governor: g}
}

// Snapshot returns current windowed spend against the configured budgets.
func (s *CostService) Snapshot() *cost.Snapshot {
	return s.governor.Snapshot()
}
