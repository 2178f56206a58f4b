package reviewqueue

import (
	"github.com/practikit/billing/internal/reviewqueue/repository"
	"github.com/practikit/billing/internal/reviewqueue/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reviewqueue.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
