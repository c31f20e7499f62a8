package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fieldline/snapcalls/internal/account/domain"
	alertdomain "github.com/fieldline/snapcalls/internal/alert/domain"
	calleventdomain "github.com/fieldline/snapcalls/internal/callevent/domain"
	"github.com/fieldline/snapcalls/internal/clock"
	"github.com/fieldline/snapcalls/internal/config"
	ledgerdomain "github.com/fieldline/snapcalls/internal/ledger/domain"
	obsmetrics "github.com/fieldline/snapcalls/internal/observability/metrics"
	"github.com/fieldline/snapcalls/internal/pricing"
	"github.com/fieldline/snapcalls/internal/providers/email"
	"github.com/fieldline/snapcalls/internal/providers/sms"
	"github.com/fieldline/snapcalls/internal/seed"
	subscriptiondomain "github.com/fieldline/snapcalls/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const sendTimeout = 10 * time.Second

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder

	AccountSvc accountdomain.Service
	LedgerSvc  ledgerdomain.Service
	SubSvc     subscriptiondomain.Service `optional:"true"`
	AlertSvc   alertdomain.Service        `optional:"true"`

	SMS   sms.Provider
	Email email.Provider

	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder

	accountSvc accountdomain.Service
	ledgerSvc  ledgerdomain.Service
	subSvc     subscriptiondomain.Service
	alertSvc   alertdomain.Service

	sms   sms.Provider
	email email.Provider

	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) calleventdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("callevent.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		accountSvc: p.AccountSvc,
		ledgerSvc:  p.LedgerSvc,
		subSvc:     p.SubSvc,
		alertSvc:   p.AlertSvc,
		sms:        p.SMS,
		email:      p.Email,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ProcessCall(ctx context.Context, req calleventdomain.CallEventRequest) (*calleventdomain.BillableEvent, error) {
	if strings.TrimSpace(req.ProviderCallSID) == "" ||
		strings.TrimSpace(req.CallerNumber) == "" ||
		strings.TrimSpace(req.LineNumber) == "" {
		return nil, calleventdomain.ErrInvalidEvent
	}

	account, err := s.accountSvc.GetByLineNumber(ctx, req.LineNumber)
	if err != nil {
		if errors.Is(err, accountdomain.ErrAccountNotFound) {
			s.log.Error("call for unknown line dropped",
				zap.String("line_number", req.LineNumber),
				zap.String("call_sid", req.ProviderCallSID),
			)
			s.recordCallEvent(ctx, "call", "dropped_misconfigured")
			return nil, calleventdomain.ErrUnknownLine
		}
		return nil, err
	}
	if !account.Active {
		s.log.Warn("call for inactive account dropped",
			zap.String("account_id", account.ID.String()),
			zap.String("call_sid", req.ProviderCallSID),
		)
		s.recordCallEvent(ctx, "call", "dropped_inactive")
		return nil, accountdomain.ErrAccountInactive
	}

	now := s.clock.Now().UTC()
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	event := &calleventdomain.BillableEvent{
		ID:              s.genID.Generate(),
		AccountID:       account.ID,
		ProviderCallSID: strings.TrimSpace(req.ProviderCallSID),
		CallerNumber:    strings.TrimSpace(req.CallerNumber),
		CallerName:      strings.TrimSpace(req.CallerName),
		HasVoicemail:    req.HasVoicemail,
		Classification:  calleventdomain.ClassificationStandard,
		DeliveryStatus:  calleventdomain.DeliveryPending,
		BillingStatus:   calleventdomain.BillingPending,
		OccurredAt:      occurredAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// The unique index on provider_call_sid is the dedup claim. Losing
	// the insert race means another delivery owns this event.
	claimed, err := s.claimEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	if !claimed {
		existing, findErr := s.GetBySID(ctx, event.ProviderCallSID)
		if findErr != nil {
			return nil, findErr
		}
		s.log.Info("duplicate call event dropped",
			zap.String("call_sid", event.ProviderCallSID),
			zap.String("account_id", account.ID.String()),
		)
		s.recordCallEvent(ctx, "call", "deduplicated")
		return existing, calleventdomain.ErrDuplicateEvent
	}

	billing := s.billing.Get()

	balance, err := s.ledgerSvc.Balance(ctx, account.ID)
	if err != nil && !errors.Is(err, ledgerdomain.ErrWalletNotFound) {
		return event, err
	}

	if balance < billing.Thresholds.MinBalance {
		s.dropForBalance(ctx, event, account.ID, balance)
		return event, calleventdomain.ErrBelowFloor
	}

	classification := classify(account, occurredAt, req.HasVoicemail)

	repeat, err := s.isRepeatCaller(ctx, account.ID, event.CallerNumber, event.ID)
	if err != nil {
		s.log.Warn("repeat caller lookup failed", zap.Error(err))
	}
	vip, err := s.accountSvc.IsVIP(ctx, account.ID, event.CallerNumber)
	if err != nil {
		s.log.Warn("vip lookup failed", zap.Error(err))
	}

	breakdown := pricing.QuoteCall(billing.Rates, billableFeatures(account.Features), pricing.CallContext{
		RepeatCaller: repeat,
		VIPCaller:    vip,
		Voicemail:    req.HasVoicemail,
	})

	// Second gate against the exact cost, still before any send.
	if balance < breakdown.Total {
		s.dropForBalance(ctx, event, account.ID, balance)
		return event, calleventdomain.ErrBelowFloor
	}

	body := s.responseBody(ctx, account, classification, event.CallerName)

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	deliverySID, sendErr := s.sms.Send(sendCtx, sms.Message{
		To:   event.CallerNumber,
		From: account.LineNumber,
		Body: body,
	})
	cancel()

	event.Classification = classification
	event.Features = account.Features
	event.VIPCaller = vip
	event.RepeatCaller = repeat
	event.CostBreakdown = marshalBreakdown(breakdown)
	event.CostTotal = breakdown.Total
	event.DeliverySID = deliverySID
	if sendErr != nil {
		event.DeliveryStatus = calleventdomain.DeliveryFailed
		s.log.Error("response delivery failed",
			zap.Error(sendErr),
			zap.String("event_id", event.ID.String()),
			zap.String("account_id", account.ID.String()),
		)
	} else {
		event.DeliveryStatus = calleventdomain.DeliverySent
	}

	newBalance := balance
	if billing.Policy.ChargeOnAttempt || sendErr == nil {
		entry, debitErr := s.ledgerSvc.Debit(ctx, account.ID, breakdown.Total, ledgerdomain.Posting{
			SourceType:  ledgerdomain.SourceTypeCallCharge,
			SourceID:    event.ID.String(),
			Description: "missed call response",
			Metadata:    map[string]any{"call_sid": event.ProviderCallSID},
		})
		if debitErr != nil {
			// The send already happened; an uncollected charge needs a
			// human, not a blind retry.
			event.BillingStatus = calleventdomain.BillingReconcile
			s.log.Error("debit failed after send attempt, flagged for reconciliation",
				zap.Error(debitErr),
				zap.String("event_id", event.ID.String()),
				zap.String("account_id", account.ID.String()),
				zap.Int64("amount", breakdown.Total),
			)
		} else {
			event.BillingStatus = calleventdomain.BillingCharged
			newBalance = entry.BalanceAfter
			if s.obsMetrics != nil {
				s.obsMetrics.RecordCharge(ctx, "call", breakdown.Total)
			}
		}
	} else {
		event.BillingStatus = calleventdomain.BillingUncharged
		event.CostTotal = 0
	}

	event.UpdatedAt = s.clock.Now().UTC()
	if err := s.db.WithContext(ctx).Save(event).Error; err != nil {
		s.log.Error("event update failed", zap.Error(err), zap.String("event_id", event.ID.String()))
		return event, err
	}

	if account.Features.Sequences {
		if err := s.createFollowUps(ctx, account, event, billing.FollowUps.Offsets, now); err != nil {
			s.log.Error("follow-up creation failed", zap.Error(err), zap.String("event_id", event.ID.String()))
		}
	}

	if vip {
		if err := s.accountSvc.RecordVipCall(ctx, account.ID, event.CallerNumber, occurredAt); err != nil {
			s.log.Warn("vip stats update failed", zap.Error(err))
		}
	}

	s.notifyOwner(ctx, account, ownerCallNotice(event))

	if event.BillingStatus == calleventdomain.BillingCharged && s.alertSvc != nil {
		if err := s.alertSvc.EvaluateBalance(ctx, account.ID, newBalance); err != nil {
			s.log.Warn("balance alert evaluation failed", zap.Error(err))
		}
	}

	if s.subSvc != nil {
		if _, err := s.subSvc.RecordDirectCall(ctx, account.ID); err != nil {
			s.log.Warn("usage counter update failed",
				zap.Error(err),
				zap.String("account_id", account.ID.String()),
			)
		}
	}

	s.recordCallEvent(ctx, string(classification), "processed")
	return event, nil
}

func (s *Service) ProcessReply(ctx context.Context, req calleventdomain.ReplyEventRequest) (*calleventdomain.BillableEvent, error) {
	if strings.TrimSpace(req.CallerNumber) == "" || strings.TrimSpace(req.LineNumber) == "" {
		return nil, calleventdomain.ErrInvalidEvent
	}

	account, err := s.accountSvc.GetByLineNumber(ctx, req.LineNumber)
	if err != nil {
		if errors.Is(err, accountdomain.ErrAccountNotFound) {
			return nil, calleventdomain.ErrUnknownLine
		}
		return nil, err
	}
	if !account.Features.TwoWay {
		return nil, nil
	}

	now := s.clock.Now().UTC()

	var event calleventdomain.BillableEvent
	err = s.db.WithContext(ctx).
		Where("account_id = ? AND caller_number = ? AND replied_at IS NULL AND created_at >= ?",
			account.ID, strings.TrimSpace(req.CallerNumber), now.Add(-7*24*time.Hour)).
		Order("created_at DESC").
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Debug("reply without matching call event dropped",
				zap.String("account_id", account.ID.String()),
			)
			return nil, nil
		}
		return nil, err
	}

	billing := s.billing.Get()
	quote := pricing.QuoteReply(billing.Rates)

	// two_way_cost = 0 is the claim: only one reply ever flips it.
	res := s.db.WithContext(ctx).
		Model(&calleventdomain.BillableEvent{}).
		Where("id = ? AND two_way_cost = 0", event.ID).
		Updates(map[string]any{
			"two_way_cost": quote.Total,
			"cost_total":   gorm.Expr("cost_total + ?", quote.Total),
			"replied_at":   now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return &event, nil
	}

	_, debitErr := s.ledgerSvc.Debit(ctx, account.ID, quote.Total, ledgerdomain.Posting{
		SourceType:  ledgerdomain.SourceTypeReplyCharge,
		SourceID:    event.ID.String(),
		Description: "two-way reply",
	})
	if debitErr != nil {
		s.log.Error("reply debit failed, flagged for reconciliation",
			zap.Error(debitErr),
			zap.String("event_id", event.ID.String()),
			zap.String("account_id", account.ID.String()),
		)
		s.db.WithContext(ctx).
			Model(&calleventdomain.BillableEvent{}).
			Where("id = ?", event.ID).
			Update("billing_status", calleventdomain.BillingReconcile)
	} else if s.obsMetrics != nil {
		s.obsMetrics.RecordCharge(ctx, "reply", quote.Total)
	}

	s.appendBreakdownItems(ctx, event.ID, event.CostBreakdown, quote.Items)

	s.notifyOwner(ctx, account, ownerReplyNotice(event.CallerNumber, req.Body))
	s.recordCallEvent(ctx, "reply", "processed")

	var updated calleventdomain.BillableEvent
	if err := s.db.WithContext(ctx).First(&updated, "id = ?", event.ID).Error; err != nil {
		return &event, nil
	}
	return &updated, nil
}

func (s *Service) GetBySID(ctx context.Context, providerCallSID string) (*calleventdomain.BillableEvent, error) {
	var event calleventdomain.BillableEvent
	err := s.db.WithContext(ctx).
		Where("provider_call_sid = ?", strings.TrimSpace(providerCallSID)).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, calleventdomain.ErrInvalidEvent
		}
		return nil, err
	}
	return &event, nil
}

func (s *Service) DispatchFollowUps(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var due []calleventdomain.FollowUp
	err := s.db.WithContext(ctx).
		Where("status = ? AND send_at <= ?", calleventdomain.FollowUpPending, now).
		Order("send_at ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, fu := range due {
		attempted++
		if err := s.dispatchFollowUp(ctx, fu, now); err != nil {
			s.log.Warn("follow-up dispatch failed",
				zap.Error(err),
				zap.String("follow_up_id", fu.ID.String()),
			)
		}
	}
	return attempted, nil
}

func (s *Service) dispatchFollowUp(ctx context.Context, fu calleventdomain.FollowUp, now time.Time) error {
	account, err := s.accountSvc.GetByID(ctx, fu.AccountID)
	if err != nil {
		return s.markFollowUp(ctx, fu.ID, calleventdomain.FollowUpFailed, "", now)
	}

	var event calleventdomain.BillableEvent
	if err := s.db.WithContext(ctx).First(&event, "id = ?", fu.EventID).Error; err != nil {
		return s.markFollowUp(ctx, fu.ID, calleventdomain.FollowUpFailed, "", now)
	}

	if !account.Active {
		return s.markFollowUp(ctx, fu.ID, calleventdomain.FollowUpFailed, "", now)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	sid, sendErr := s.sms.Send(sendCtx, sms.Message{
		To:   event.CallerNumber,
		From: account.LineNumber,
		Body: renderTemplate(fu.Body, account, event.CallerName),
	})
	cancel()

	if sendErr != nil {
		if markErr := s.markFollowUp(ctx, fu.ID, calleventdomain.FollowUpFailed, "", now); markErr != nil {
			return markErr
		}
		return sendErr
	}
	return s.markFollowUp(ctx, fu.ID, calleventdomain.FollowUpSent, sid, now)
}

func (s *Service) markFollowUp(ctx context.Context, id snowflake.ID, status calleventdomain.FollowUpStatus, sid string, now time.Time) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": now,
	}
	if status == calleventdomain.FollowUpSent {
		updates["sent_at"] = now
		updates["provider_sid"] = sid
	}
	return s.db.WithContext(ctx).
		Model(&calleventdomain.FollowUp{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (s *Service) claimEvent(ctx context.Context, event *calleventdomain.BillableEvent) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_call_sid"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) isRepeatCaller(ctx context.Context, accountID snowflake.ID, caller string, exceptID snowflake.ID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&calleventdomain.BillableEvent{}).
		Where("account_id = ? AND caller_number = ? AND id <> ?", accountID, caller, exceptID).
		Count(&count).Error
	return count > 0, err
}

func (s *Service) dropForBalance(ctx context.Context, event *calleventdomain.BillableEvent, accountID snowflake.ID, balance int64) {
	s.log.Warn("call dropped on balance gate",
		zap.String("event_id", event.ID.String()),
		zap.String("account_id", accountID.String()),
		zap.Int64("balance", balance),
	)
	event.DeliveryStatus = calleventdomain.DeliverySkipped
	event.BillingStatus = calleventdomain.BillingSkippedBalance
	event.UpdatedAt = s.clock.Now().UTC()
	if err := s.db.WithContext(ctx).Save(event).Error; err != nil {
		s.log.Error("event update failed", zap.Error(err), zap.String("event_id", event.ID.String()))
	}
	if s.alertSvc != nil {
		if err := s.alertSvc.EvaluateBalance(ctx, accountID, balance); err != nil {
			s.log.Warn("balance alert evaluation failed", zap.Error(err))
		}
	}
	s.recordCallEvent(ctx, "call", "dropped_low_balance")
}

func (s *Service) createFollowUps(
	ctx context.Context,
	account accountdomain.Account,
	event *calleventdomain.BillableEvent,
	offsets []time.Duration,
	now time.Time,
) error {
	bodies := seed.FollowUpBodies()
	followUps := make([]calleventdomain.FollowUp, 0, len(offsets))
	for i, offset := range offsets {
		body := bodies[i%len(bodies)]
		followUps = append(followUps, calleventdomain.FollowUp{
			ID:        s.genID.Generate(),
			EventID:   event.ID,
			AccountID: account.ID,
			SendAt:    now.Add(offset),
			Status:    calleventdomain.FollowUpPending,
			Body:      body,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if len(followUps) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&followUps).Error
}

func (s *Service) responseBody(
	ctx context.Context,
	account accountdomain.Account,
	classification calleventdomain.Classification,
	callerName string,
) string {
	kind := templateKind(classification)
	body := seed.DefaultTemplateBodies()[kind]
	if tmpl, err := s.accountSvc.Template(ctx, account.ID, kind); err == nil && tmpl.Body != "" {
		body = tmpl.Body
	}
	return renderTemplate(body, account, callerName)
}

func (s *Service) notifyOwner(ctx context.Context, account accountdomain.Account, notice string) {
	if account.NotifySMS && account.OwnerPhone != "" {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := s.sms.Send(sendCtx, sms.Message{
			To:   account.OwnerPhone,
			From: account.LineNumber,
			Body: notice,
		})
		cancel()
		if err != nil {
			s.log.Warn("owner sms notification failed", zap.Error(err), zap.String("account_id", account.ID.String()))
		}
	}
	if account.NotifyEmail && account.OwnerEmail != "" {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.email.Send(sendCtx, []string{account.OwnerEmail}, "Missed call activity", "<p>"+notice+"</p>")
		cancel()
		if err != nil {
			s.log.Warn("owner email notification failed", zap.Error(err), zap.String("account_id", account.ID.String()))
		}
	}
}

func (s *Service) appendBreakdownItems(ctx context.Context, eventID snowflake.ID, current datatypes.JSON, extra []pricing.LineItem) {
	var items []pricing.LineItem
	if len(current) > 0 {
		if err := json.Unmarshal(current, &items); err != nil {
			s.log.Warn("breakdown decode failed", zap.Error(err), zap.String("event_id", eventID.String()))
			items = nil
		}
	}
	items = append(items, extra...)
	raw, err := json.Marshal(items)
	if err != nil {
		return
	}
	if err := s.db.WithContext(ctx).
		Model(&calleventdomain.BillableEvent{}).
		Where("id = ?", eventID).
		Update("cost_breakdown", datatypes.JSON(raw)).Error; err != nil {
		s.log.Warn("breakdown update failed", zap.Error(err), zap.String("event_id", eventID.String()))
	}
}

func (s *Service) recordCallEvent(ctx context.Context, eventType, status string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordCallEvent(ctx, eventType, status)
	}
}

// classify picks the template class: closed hours beat voicemail, which
// beats standard.
func classify(account accountdomain.Account, at time.Time, hasVoicemail bool) calleventdomain.Classification {
	if !account.OpenAt(at) {
		return calleventdomain.ClassificationAfterHours
	}
	if hasVoicemail {
		return calleventdomain.ClassificationVoicemail
	}
	return calleventdomain.ClassificationStandard
}

func templateKind(classification calleventdomain.Classification) accountdomain.TemplateKind {
	switch classification {
	case calleventdomain.ClassificationAfterHours:
		return accountdomain.TemplateAfterHours
	case calleventdomain.ClassificationVoicemail:
		return accountdomain.TemplateVoicemail
	default:
		return accountdomain.TemplateStandard
	}
}

func billableFeatures(flags accountdomain.FeatureFlags) pricing.Features {
	return pricing.Features{
		Sequences:     flags.Sequences,
		Recognition:   flags.Recognition,
		TwoWay:        flags.TwoWay,
		VipPriority:   flags.VipPriority,
		Transcription: flags.Transcription,
	}
}

func renderTemplate(body string, account accountdomain.Account, callerName string) string {
	name := strings.TrimSpace(callerName)
	if name == "" {
		name = "there"
	}
	return strings.NewReplacer(
		"{business_name}", account.BusinessName,
		"{business_hours}", account.HoursLabel(),
		"{caller_name}", name,
	).Replace(body)
}

func marshalBreakdown(b pricing.Breakdown) datatypes.JSON {
	raw, err := json.Marshal(b.Items)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func ownerCallNotice(event *calleventdomain.BillableEvent) string {
	caller := event.CallerNumber
	if event.CallerName != "" {
		caller = event.CallerName + " (" + event.CallerNumber + ")"
	}
	switch event.Classification {
	case calleventdomain.ClassificationVoicemail:
		return "Missed call with voicemail from " + caller + ". We texted them back."
	case calleventdomain.ClassificationAfterHours:
		return "After-hours call from " + caller + ". We texted them back."
	default:
		return "Missed call from " + caller + ". We texted them back."
	}
}

func ownerReplyNotice(caller, body string) string {
	body = strings.TrimSpace(body)
	// Truncate on a rune boundary; a byte slice could split a multi-byte
	// character and send mojibake to the owner.
	if runes := []rune(body); len(runes) > 160 {
		body = string(runes[:160])
	}
	return "Reply from " + caller + ": " + body
}
