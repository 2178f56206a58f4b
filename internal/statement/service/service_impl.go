package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	statementdomain "github.com/practikit/billing/internal/statement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo statementdomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo statementdomain.Repository
}

func NewService(p ServiceParam) statementdomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("statement.service"),
		repo: p.Repo,
	}
}

func (s *Service) List(ctx context.Context, req statementdomain.ListStatementsRequest) (statementdomain.ListStatementsResponse, error) {
	filter := statementdomain.ListStatementsFilter{Limit: req.Limit}

	if accountID := strings.TrimSpace(req.AccountID); accountID != "" {
		id, err := snowflake.ParseString(accountID)
		if err != nil {
			return statementdomain.ListStatementsResponse{}, statementdomain.ErrInvalidFilter
		}
		filter.AccountID = &id
	}
	if status := strings.TrimSpace(req.Status); status != "" {
		parsed := statementdomain.StatementStatus(strings.ToUpper(status))
		switch parsed {
		case statementdomain.StatementStatusOpen,
			statementdomain.StatementStatusFinalized,
			statementdomain.StatementStatusPaid,
			statementdomain.StatementStatusPaymentFailed:
			filter.Status = &parsed
		default:
			return statementdomain.ListStatementsResponse{}, statementdomain.ErrInvalidFilter
		}
	}

	statements, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return statementdomain.ListStatementsResponse{}, err
	}
	return statementdomain.ListStatementsResponse{Statements: statements}, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (statementdomain.Statement, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return statementdomain.Statement{}, statementdomain.ErrStatementNotFound
	}
	statement, err := s.repo.FindByID(ctx, s.db, parsed)
	if err != nil {
		return statementdomain.Statement{}, err
	}
	if statement == nil {
		return statementdomain.Statement{}, statementdomain.ErrStatementNotFound
	}
	return *statement, nil
}
