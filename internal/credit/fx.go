package credit

import (
	"github.com/quillforge/quillforge/internal/credit/repository"
	"github.com/quillforge/quillforge/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
