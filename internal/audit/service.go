package audit

import (
	"context"

	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
)

// Service wraps a store for fire-and-forget call sites. The router and the
// worker audit every transition but must never fail the work because the
// audit write did; Log reports write errors to the logger instead.
type Service struct {
	store Store
}

// NewService creates an audit service over the store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Log appends the entry, logging rather than returning any write failure.
func (s *Service) Log(ctx context.Context, entry *Entry) {
	if s == nil || s.store == nil {
		return
	}
	if _, err := s.store.Append(ctx, entry); err != nil {
		logger.Error(ctx, "audit write failed",
			tag.Error(err),
			tag.Action(entry.Action),
			tag.Tenant(entry.Tenant),
		)
	}
}

// Query retrieves entries matching the filter.
func (s *Service) Query(ctx context.Context, filter Filter) (*QueryResult, error) {
	return s.store.Query(ctx, filter)
}
