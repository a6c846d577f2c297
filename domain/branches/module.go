package branches

import (
	"go.uber.org/fx"
)

// Module provides branches dependencies
var Module = fx.Module("branches",
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
