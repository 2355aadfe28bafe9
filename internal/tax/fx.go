package tax

import (
	"github.com/coursivo/tally/internal/tax/domain"
	"github.com/coursivo/tally/internal/tax/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tax.service",
	fx.Provide(
		func() domain.RateProvider { return service.NewStaticRateProvider() },
		service.NewService,
	),
)
