package sms

import (
	"github.com/fieldline/snapcalls/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.sms",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Provider {
	if cfg.TelephonyAccountSID == "" {
		return &NoOpProvider{}
	}
	return NewHTTP(Config{
		AccountSID: cfg.TelephonyAccountSID,
		AuthToken:  cfg.TelephonyAuthToken,
		BaseURL:    cfg.TelephonyBaseURL,
	})
}
