package domain

import (
	"context"
	"errors"
)

type ListStatementsRequest struct {
	AccountID string `form:"account_id"`
	Status    string `form:"status"`
	Limit     int    `form:"limit"`
}

type ListStatementsResponse struct {
	Statements []Statement `json:"statements"`
}

type Service interface {
	List(ctx context.Context, req ListStatementsRequest) (ListStatementsResponse, error)
	GetByID(ctx context.Context, id string) (Statement, error)
}

var (
	ErrStatementNotFound         = errors.New("statement_not_found")
	ErrInvalidFilter             = errors.New("invalid_filter")
	ErrInvalidStateTransition    = errors.New("invalid_state_transition")
	ErrStatementImmutable        = errors.New("statement_immutable")
	ErrEarlyFinalizationConflict = errors.New("early_finalization_conflict")
	ErrRetryExhausted            = errors.New("retry_exhausted")
)
