package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	attachmentdomain "github.com/practikit/billing/internal/attachment/domain"
	"github.com/practikit/billing/internal/billingwindow"
	"github.com/practikit/billing/internal/clock"
	"github.com/practikit/billing/internal/config"
	reviewqueuedomain "github.com/practikit/billing/internal/reviewqueue/domain"
	statementdomain "github.com/practikit/billing/internal/statement/domain"
	pkgdb "github.com/practikit/billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	BillingCfg    *config.BillingConfigHolder
	Repo          attachmentdomain.Repository
	StatementRepo statementdomain.Repository
	ReviewRepo    reviewqueuedomain.Repository
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billingCfg *config.BillingConfigHolder

	repo          attachmentdomain.Repository
	statementRepo statementdomain.Repository
	reviewRepo    reviewqueuedomain.Repository
}

func NewService(p ServiceParam) attachmentdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("attachment.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		billingCfg:    p.BillingCfg,
		repo:          p.Repo,
		statementRepo: p.StatementRepo,
		reviewRepo:    p.ReviewRepo,
	}
}

func (s *Service) PlaceOrder(ctx context.Context, req attachmentdomain.PlaceOrderRequest) (attachmentdomain.PlaceOrderResponse, error) {
	externalRef := strings.TrimSpace(req.ExternalRef)
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if externalRef == "" || currency == "" || req.AmountCents <= 0 {
		return attachmentdomain.PlaceOrderResponse{}, attachmentdomain.ErrInvalidOrder
	}
	accountID, err := snowflake.ParseString(strings.TrimSpace(req.AccountID))
	if err != nil {
		return attachmentdomain.PlaceOrderResponse{}, attachmentdomain.ErrInvalidOrder
	}

	now := s.clock.Now().UTC()
	placedAt := now
	if req.PlacedAt != nil {
		placedAt = req.PlacedAt.UTC()
	}

	cfg := s.billingCfg.Get()
	window, err := billingwindow.Compute(placedAt, cfg.Location(), cfg.CycleStartDay)
	if err != nil {
		return attachmentdomain.PlaceOrderResponse{}, err
	}

	order, replayed, err := s.ensureOrder(ctx, externalRef, accountID, currency, req, placedAt, now)
	if err != nil {
		return attachmentdomain.PlaceOrderResponse{}, err
	}
	if replayed && order.StatementID != nil {
		return s.replayResponse(ctx, order)
	}

	var stmt *statementdomain.Statement
	attachErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := &statementdomain.Statement{
			ID:          s.genID.Generate(),
			AccountID:   accountID,
			Currency:    currency,
			WindowStart: window.Start,
			WindowEnd:   window.End,
			Status:      statementdomain.StatementStatusOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		var err error
		stmt, err = s.statementRepo.FindOrCreate(ctx, tx, candidate)
		if err != nil {
			return err
		}

		attachment := &attachmentdomain.StatementOrder{
			ID:          s.genID.Generate(),
			StatementID: stmt.ID,
			OrderID:     order.ID,
			Amount:      order.Amount,
			CreatedAt:   now,
		}
		if err := s.repo.InsertAttachment(ctx, tx, attachment); err != nil {
			return err
		}
		if err := s.statementRepo.AddToSubtotal(ctx, tx, stmt.ID, order.Amount, now); err != nil {
			return err
		}
		return s.repo.MarkOrderAttached(ctx, tx, order.ID, stmt.ID, now)
	})

	switch {
	case attachErr == nil:
		return attachmentdomain.PlaceOrderResponse{
			OrderID:     order.ID.String(),
			StatementID: stmt.ID.String(),
			WindowStart: window.Start,
			WindowEnd:   window.End,
		}, nil
	case pkgdb.IsDuplicateKeyErr(attachErr):
		// A concurrent submission attached this order first.
		replayOrder, err := s.repo.FindOrderByExternalRef(ctx, s.db, externalRef)
		if err != nil {
			return attachmentdomain.PlaceOrderResponse{}, err
		}
		if replayOrder == nil || replayOrder.StatementID == nil {
			return attachmentdomain.PlaceOrderResponse{}, attachErr
		}
		return s.replayResponse(ctx, replayOrder)
	case errors.Is(attachErr, statementdomain.ErrEarlyFinalizationConflict),
		errors.Is(attachErr, statementdomain.ErrStatementImmutable):
		s.recordConflict(ctx, stmt, order, window, attachErr, now)
		return attachmentdomain.PlaceOrderResponse{}, attachErr
	default:
		return attachmentdomain.PlaceOrderResponse{}, attachErr
	}
}

func (s *Service) ensureOrder(
	ctx context.Context,
	externalRef string,
	accountID snowflake.ID,
	currency string,
	req attachmentdomain.PlaceOrderRequest,
	placedAt time.Time,
	now time.Time,
) (*attachmentdomain.Order, bool, error) {
	existing, err := s.repo.FindOrderByExternalRef(ctx, s.db, externalRef)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	order := &attachmentdomain.Order{
		ID:          s.genID.Generate(),
		ExternalRef: externalRef,
		AccountID:   accountID,
		Currency:    currency,
		Amount:      req.AmountCents,
		KitCode:     strings.TrimSpace(req.KitCode),
		PlacedAt:    placedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	insertErr := s.repo.InsertOrder(ctx, s.db, order)
	if insertErr == nil {
		return order, false, nil
	}
	if !pkgdb.IsDuplicateKeyErr(insertErr) {
		return nil, false, insertErr
	}
	winner, err := s.repo.FindOrderByExternalRef(ctx, s.db, externalRef)
	if err != nil {
		return nil, false, err
	}
	if winner == nil {
		return nil, false, insertErr
	}
	return winner, true, nil
}

func (s *Service) replayResponse(ctx context.Context, order *attachmentdomain.Order) (attachmentdomain.PlaceOrderResponse, error) {
	stmt, err := s.statementRepo.FindByID(ctx, s.db, *order.StatementID)
	if err != nil {
		return attachmentdomain.PlaceOrderResponse{}, err
	}
	if stmt == nil {
		return attachmentdomain.PlaceOrderResponse{}, statementdomain.ErrStatementNotFound
	}
	return attachmentdomain.PlaceOrderResponse{
		OrderID:     order.ID.String(),
		StatementID: stmt.ID.String(),
		WindowStart: stmt.WindowStart,
		WindowEnd:   stmt.WindowEnd,
		Replayed:    true,
	}, nil
}

// recordConflict lands the rejected charge in the review queue. The attach
// transaction already rolled back, so this writes on its own connection.
func (s *Service) recordConflict(
	ctx context.Context,
	stmt *statementdomain.Statement,
	order *attachmentdomain.Order,
	window billingwindow.Window,
	cause error,
	now time.Time,
) {
	if stmt == nil || order == nil {
		return
	}
	item := &reviewqueuedomain.ReviewItem{
		ID:          s.genID.Generate(),
		StatementID: stmt.ID,
		OrderID:     order.ID,
		AccountID:   order.AccountID,
		Currency:    order.Currency,
		Amount:      order.Amount,
		Reason:      cause.Error(),
		WindowStart: window.Start,
		WindowEnd:   window.End,
		CreatedAt:   now,
	}
	if err := s.reviewRepo.Insert(ctx, s.db, item); err != nil {
		s.log.Error("failed to record review item",
			zap.String("order_id", order.ID.String()),
			zap.String("statement_id", stmt.ID.String()),
			zap.Error(err),
		)
		return
	}
	s.log.Warn("order rejected by closed billing window",
		zap.String("order_id", order.ID.String()),
		zap.String("statement_id", stmt.ID.String()),
		zap.String("reason", cause.Error()),
	)
}
