package txcontext

import (
	"github.com/coursivo/tally/internal/txcontext/service"
	"go.uber.org/fx"
)

var Module = fx.Module("txcontext",
	fx.Provide(
		service.NewEnforcer,
		service.NewResolver,
	),
)
