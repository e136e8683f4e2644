package services

import (
	"context"
	"fmt"

	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/store"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditService queries the operation audit trail.
type AuditService struct {
	store store.Store
}

// NewAuditService creates an audit service.
func NewAuditService(st store.Store) *AuditService {
	return &AuditService{store: st}
}

// History returns audit records matching the query, newest first. The limit
// is defaulted and capped so a careless query cannot drag the whole trail
// over the wire.
func (s *AuditService) History(ctx context.Context, q store.AuditQuery) ([]*models.AuditRecord, error) {
	if q.Limit <= 0 {
		q.Limit = defaultAuditLimit
	}
	if q.Limit > maxAuditLimit {
		q.Limit = maxAuditLimit
	}
	if !q.Until.IsZero() && !q.Since.IsZero() && q.Until.Before(q.Since) {
		return nil, NewValidationError("until", "must not precede since")
	}
	records, err := s.store.QueryAudit(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit history: %w", err)
	}
	return records, nil
}
