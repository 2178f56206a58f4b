package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/practikit/billing/internal/clock"
	reviewqueuedomain "github.com/practikit/billing/internal/reviewqueue/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  reviewqueuedomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  reviewqueuedomain.Repository
}

func NewService(p ServiceParam) reviewqueuedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("reviewqueue.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) ListOpen(ctx context.Context) (reviewqueuedomain.ListReviewItemsResponse, error) {
	items, err := s.repo.ListOpen(ctx, s.db, 0)
	if err != nil {
		return reviewqueuedomain.ListReviewItemsResponse{}, err
	}
	return reviewqueuedomain.ListReviewItemsResponse{Items: items}, nil
}

func (s *Service) Resolve(ctx context.Context, id string, resolvedBy string) error {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return reviewqueuedomain.ErrReviewItemNotFound
	}
	return s.repo.Resolve(ctx, s.db, parsed, resolvedBy, s.clock.Now().UTC())
}
