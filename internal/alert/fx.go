package alert

import (
	"github.com/fieldline/snapcalls/internal/alert/service"
	"go.uber.org/fx"
)

var Module = fx.Module("alert.service",
	fx.Provide(service.NewService),
)
