package attachment

import (
	"github.com/practikit/billing/internal/attachment/repository"
	"github.com/practikit/billing/internal/attachment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("attachment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
