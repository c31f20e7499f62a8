package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig carries every billable rate and threshold. Amounts are
// integer cents. It is hot-reloadable; services must read it through the
// holder on every operation rather than caching a copy.
type BillingConfig struct {
	Rates      RateCard      `mapstructure:"rates"`
	Deposits   []DepositTier `mapstructure:"deposits"`
	Thresholds Thresholds    `mapstructure:"thresholds"`
	Policy     BillingPolicy `mapstructure:"policy"`
	FollowUps  FollowUps     `mapstructure:"followUps"`
}

// RateCard is the per-call fee schedule.
type RateCard struct {
	BaseCall            int64 `mapstructure:"baseCall"`
	Sequences           int64 `mapstructure:"sequences"`
	RepeatCaller        int64 `mapstructure:"repeatCaller"`
	TwoWayReply         int64 `mapstructure:"twoWayReply"`
	VipPriorityVip      int64 `mapstructure:"vipPriorityVip"`
	VipPriorityStandard int64 `mapstructure:"vipPriorityStandard"`
	Transcription       int64 `mapstructure:"transcription"`
	SetupFee            int64 `mapstructure:"setupFee"`
	PublicLineMonthly   int64 `mapstructure:"publicLineMonthly"`
	TemplateChange      int64 `mapstructure:"templateChange"`
}

// DepositTier grants a bonus when at least Amount is deposited.
type DepositTier struct {
	Amount int64 `mapstructure:"amount"`
	Bonus  int64 `mapstructure:"bonus"`
}

type Thresholds struct {
	MinBalance       int64   `mapstructure:"minBalance"`
	LowBalanceAlerts []int64 `mapstructure:"lowBalanceAlerts"`
	WarnCallCount    int64   `mapstructure:"warnCallCount"`
	UpgradeCallCount int64   `mapstructure:"upgradeCallCount"`
	DormantDays      int     `mapstructure:"dormantDays"`
}

// BillingPolicy controls when a call is charged relative to delivery.
type BillingPolicy struct {
	// ChargeOnAttempt debits once an outbound send was attempted,
	// regardless of the delivery outcome. When false, failed sends are
	// not charged and the event records a zero cost.
	ChargeOnAttempt bool `mapstructure:"chargeOnAttempt"`
}

type FollowUps struct {
	Offsets []time.Duration `mapstructure:"offsets"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Rates: RateCard{
			BaseCall:            100,
			Sequences:           50,
			RepeatCaller:        25,
			TwoWayReply:         50,
			VipPriorityVip:      25,
			VipPriorityStandard: 50,
			Transcription:       25,
			SetupFee:            500,
			PublicLineMonthly:   2000,
			TemplateChange:      50,
		},
		Deposits: []DepositTier{
			{Amount: 2000, Bonus: 0},
			{Amount: 3000, Bonus: 450},
			{Amount: 5000, Bonus: 1250},
			{Amount: 10000, Bonus: 5000},
		},
		Thresholds: Thresholds{
			MinBalance:       100,
			LowBalanceAlerts: []int64{1000, 500, 0},
			WarnCallCount:    10,
			UpgradeCallCount: 20,
			DormantDays:      30,
		},
		Policy: BillingPolicy{ChargeOnAttempt: true},
		FollowUps: FollowUps{
			Offsets: []time.Duration{2 * time.Hour, 24 * time.Hour, 72 * time.Hour},
		},
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed config, for tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	return newBillingConfigHolder("/var/lib/snapcalls/config", "/etc/snapcalls", ".")
}

func newBillingConfigHolder(searchPaths ...string) (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	for _, path := range searchPaths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("SNAPCALLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults are registered before the file is read so a partial
	// billing.yml only overrides the keys it names. Leaf-level keys keep
	// the merge per field rather than per section.
	setBillingDefaults(v, DefaultBillingConfig())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeBillingConfig(v)
		if err != nil {
			log.Printf("[billing-config] reload ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func setBillingDefaults(v *viper.Viper, d BillingConfig) {
	v.SetDefault("billing.rates.baseCall", d.Rates.BaseCall)
	v.SetDefault("billing.rates.sequences", d.Rates.Sequences)
	v.SetDefault("billing.rates.repeatCaller", d.Rates.RepeatCaller)
	v.SetDefault("billing.rates.twoWayReply", d.Rates.TwoWayReply)
	v.SetDefault("billing.rates.vipPriorityVip", d.Rates.VipPriorityVip)
	v.SetDefault("billing.rates.vipPriorityStandard", d.Rates.VipPriorityStandard)
	v.SetDefault("billing.rates.transcription", d.Rates.Transcription)
	v.SetDefault("billing.rates.setupFee", d.Rates.SetupFee)
	v.SetDefault("billing.rates.publicLineMonthly", d.Rates.PublicLineMonthly)
	v.SetDefault("billing.rates.templateChange", d.Rates.TemplateChange)
	v.SetDefault("billing.deposits", d.Deposits)
	v.SetDefault("billing.thresholds.minBalance", d.Thresholds.MinBalance)
	v.SetDefault("billing.thresholds.lowBalanceAlerts", d.Thresholds.LowBalanceAlerts)
	v.SetDefault("billing.thresholds.warnCallCount", d.Thresholds.WarnCallCount)
	v.SetDefault("billing.thresholds.upgradeCallCount", d.Thresholds.UpgradeCallCount)
	v.SetDefault("billing.thresholds.dormantDays", d.Thresholds.DormantDays)
	v.SetDefault("billing.policy.chargeOnAttempt", d.Policy.ChargeOnAttempt)
	v.SetDefault("billing.followUps.offsets", d.FollowUps.Offsets)
}

// decodeBillingConfig reads through Unmarshal rather than UnmarshalKey:
// UnmarshalKey returns the first layer that has the key and would drop
// registered defaults whenever a config file exists.
func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	var root struct {
		Billing BillingConfig `mapstructure:"billing"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return BillingConfig{}, err
	}
	if err := validateBillingConfig(root.Billing); err != nil {
		return BillingConfig{}, err
	}
	return root.Billing, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.Rates.BaseCall <= 0 {
		return errors.New("billing.rates.baseCall must be positive")
	}
	if cfg.Thresholds.MinBalance < 0 {
		return errors.New("billing.thresholds.minBalance cannot be negative")
	}
	if cfg.Thresholds.WarnCallCount <= 0 || cfg.Thresholds.UpgradeCallCount <= cfg.Thresholds.WarnCallCount {
		return errors.New("billing.thresholds call watermarks must satisfy 0 < warn < upgrade")
	}
	for _, tier := range cfg.Deposits {
		if tier.Amount <= 0 || tier.Bonus < 0 {
			return errors.New("billing.deposits entries must have positive amount and non-negative bonus")
		}
	}
	for _, offset := range cfg.FollowUps.Offsets {
		if offset <= 0 {
			return errors.New("billing.followUps offsets must be positive")
		}
	}
	return nil
}
