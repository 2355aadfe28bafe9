package attribution

import (
	"github.com/coursivo/tally/internal/attribution/service"
	"go.uber.org/fx"
)

var Module = fx.Module("attribution.service",
	fx.Provide(service.NewService),
)
