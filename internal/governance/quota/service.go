package quota

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/promptlab/gatekeeper/internal/directory"
)

const maxPageSize = 100

// Service is quota administration: explicit overrides per user or team.
// It never touches the usage ledger.
type Service struct {
	repo        Repository
	dir         directory.Repository
	resolver    *Resolver
	broadcaster Broadcaster
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBroadcaster announces every mutation to other instances so their
// resolver caches drop the old limits.
func WithBroadcaster(b Broadcaster) ServiceOption {
	return func(s *Service) { s.broadcaster = b }
}

// NewService creates a new quota Service.
func NewService(repo Repository, dir directory.Repository, resolver *Resolver, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		dir:      dir,
		resolver: resolver,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetUserQuota creates or merges the override for an existing user.
func (s *Service) SetUserQuota(ctx context.Context, userID int64, p PartialLimits) (*Config, error) {
	u, err := s.dir.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: user %d", ErrInvalidTarget, userID)
	}

	c, err := s.setQuota(ctx, ScopeUser, userID, p)
	if err != nil {
		return nil, err
	}
	c.TargetName = u.Username
	return c, nil
}

// SetTeamQuota creates or merges the override for an existing team.
func (s *Service) SetTeamQuota(ctx context.Context, teamID int64, p PartialLimits) (*Config, error) {
	t, err := s.dir.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: team %d", ErrInvalidTarget, teamID)
	}

	c, err := s.setQuota(ctx, ScopeTeam, teamID, p)
	if err != nil {
		return nil, err
	}
	c.TargetName = teamName(teamID, t.Name)
	return c, nil
}

// SetQuota dispatches on scope.
func (s *Service) SetQuota(ctx context.Context, scope Scope, targetID int64, p PartialLimits) (*Config, error) {
	switch scope {
	case ScopeUser:
		return s.SetUserQuota(ctx, targetID, p)
	case ScopeTeam:
		return s.SetTeamQuota(ctx, targetID, p)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
}

func (s *Service) setQuota(ctx context.Context, scope Scope, targetID int64, p PartialLimits) (*Config, error) {
	c, err := s.repo.Upsert(ctx, scope, targetID, p)
	if err != nil {
		return nil, err
	}
	s.invalidate(c.ID)

	slog.Info("quota override saved", "quota_id", c.ID, "scope", scope, "target_id", targetID, "active", c.IsActive)
	return c, nil
}

// DeleteQuota removes an override so its target falls back to the next
// precedence level.
func (s *Service) DeleteQuota(ctx context.Context, quotaID int64) error {
	ok, err := s.repo.Delete(ctx, quotaID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: id %d", ErrConfigNotFound, quotaID)
	}
	s.invalidate(quotaID)

	slog.Info("quota override deleted", "quota_id", quotaID)
	return nil
}

func (s *Service) invalidate(quotaID int64) {
	s.resolver.Invalidate()
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.QuotaChanged(quotaID); err != nil {
		slog.Warn("broadcasting quota change failed, peers keep cached limits until the TTL expires",
			"quota_id", quotaID, "error", err)
	}
}

// GetQuota returns one override by id.
func (s *Service) GetQuota(ctx context.Context, quotaID int64) (*Config, error) {
	c, err := s.repo.GetByID(ctx, quotaID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: id %d", ErrConfigNotFound, quotaID)
	}
	return c, nil
}

// ListQuotas returns one page of overrides, optionally filtered by scope.
func (s *Service) ListQuotas(ctx context.Context, params ListParams) ([]Config, int64, error) {
	if params.Scope != "" && !params.Scope.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidScope, params.Scope)
	}
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = DefaultListParams().PageSize
	}
	if params.PageSize > maxPageSize {
		params.PageSize = maxPageSize
	}

	configs, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	for i := range configs {
		c := &configs[i]
		switch {
		case c.Scope == ScopeTeam:
			c.TargetName = teamName(c.TargetID, c.TargetName)
		case c.TargetName == "":
			c.TargetName = fmt.Sprintf("用户 #%d", c.TargetID)
		}
	}
	return configs, total, nil
}

func teamName(id int64, name string) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("团队 #%d", id)
}
