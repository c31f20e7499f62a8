package providers

import (
	"github.com/fieldline/snapcalls/internal/providers/email"
	"github.com/fieldline/snapcalls/internal/providers/slack"
	"github.com/fieldline/snapcalls/internal/providers/sms"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	sms.Module,
	email.Module,
	slack.Module,
)
