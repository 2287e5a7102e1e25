package inference

import "go.uber.org/fx"

var Module = fx.Module("providers.inference",
	fx.Provide(NewClient),
)
