package payments

import (
	"github.com/fieldline/snapcalls/internal/config"
	"github.com/fieldline/snapcalls/internal/payments/adapters"
	"github.com/fieldline/snapcalls/internal/payments/adapters/stripe"
	"github.com/fieldline/snapcalls/internal/payments/gateway"
	"github.com/fieldline/snapcalls/internal/payments/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payments.service",
	fx.Provide(func(cfg config.Config) *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewAdapter(cfg.PaymentWebhookSecret),
		)
	}),
	fx.Provide(gateway.NewFromConfig),
	fx.Provide(service.NewService),
)
