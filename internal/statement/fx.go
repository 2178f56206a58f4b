package statement

import (
	"github.com/practikit/billing/internal/statement/repository"
	"github.com/practikit/billing/internal/statement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("statement.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
