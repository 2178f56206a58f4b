package invoicing

import (
	"github.com/practikit/billing/internal/invoicing/provider"
	"github.com/practikit/billing/internal/invoicing/repository"
	"github.com/practikit/billing/internal/invoicing/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("invoicing.service",
	fx.Provide(repository.Provide),
	fx.Provide(provider.New),
	fx.Provide(webhook.NewService),
)
