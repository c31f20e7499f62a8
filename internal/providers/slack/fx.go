package slack

import (
	"github.com/fieldline/snapcalls/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.slack",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Provider {
	if cfg.SlackWebhookURL == "" {
		return &NoOpProvider{}
	}
	return NewWebhook(Config{WebhookURL: cfg.SlackWebhookURL})
}
