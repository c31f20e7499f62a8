// Package pricing computes per-call costs from the configured rate card.
// It is pure: no storage, no clock, no side effects.
package pricing

import "github.com/fieldline/snapcalls/internal/config"

// Features are the billable add-ons enabled on the account.
type Features struct {
	Sequences     bool
	Recognition   bool
	TwoWay        bool
	VipPriority   bool
	Transcription bool
}

// CallContext carries the per-call facts that feed the fee schedule.
type CallContext struct {
	RepeatCaller bool
	VIPCaller    bool
	Voicemail    bool
}

// LineItem is one feature's contribution to a call's cost.
type LineItem struct {
	Feature string `json:"feature"`
	Amount  int64  `json:"amount"`
}

// Breakdown is the full itemized cost of a call.
type Breakdown struct {
	Items []LineItem `json:"items"`
	Total int64      `json:"total"`
}

const (
	FeatureBaseCall      = "base_call"
	FeatureSequences     = "sequences"
	FeatureRecognition   = "recognition"
	FeatureVipPriority   = "vip_priority"
	FeatureTranscription = "transcription"
	FeatureTwoWayReply   = "two_way_reply"
)

// QuoteCall itemizes the cost of one missed-call response. The two-way
// fee is deliberately absent: it is deferred until the caller replies and
// charged through QuoteReply.
func QuoteCall(rates config.RateCard, features Features, call CallContext) Breakdown {
	b := Breakdown{}
	b.add(FeatureBaseCall, rates.BaseCall)

	if features.Sequences {
		b.add(FeatureSequences, rates.Sequences)
	}
	if features.Recognition && call.RepeatCaller {
		b.add(FeatureRecognition, rates.RepeatCaller)
	}
	if features.VipPriority {
		if call.VIPCaller {
			b.add(FeatureVipPriority, rates.VipPriorityVip)
		} else {
			b.add(FeatureVipPriority, rates.VipPriorityStandard)
		}
	}
	if features.Transcription && call.Voicemail {
		b.add(FeatureTranscription, rates.Transcription)
	}

	return b
}

// QuoteReply is the deferred two-way fee, charged once per call event
// when the caller texts back.
func QuoteReply(rates config.RateCard) Breakdown {
	b := Breakdown{}
	b.add(FeatureTwoWayReply, rates.TwoWayReply)
	return b
}

// DepositBonus returns the promotional bonus for a deposit. Only exact
// tier amounts earn a bonus; arbitrary amounts are credited as-is.
func DepositBonus(tiers []config.DepositTier, amount int64) int64 {
	for _, tier := range tiers {
		if tier.Amount == amount {
			return tier.Bonus
		}
	}
	return 0
}

func (b *Breakdown) add(feature string, amount int64) {
	if amount <= 0 {
		return
	}
	b.Items = append(b.Items, LineItem{Feature: feature, Amount: amount})
	b.Total += amount
}
