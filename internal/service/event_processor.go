package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/repository"
	"github.com/Dhoini/license-service/pkg/logger"
)

// ProcessResult итог обработки события провайдера
type ProcessResult string

const (
	ResultApplied   ProcessResult = "applied"
	ResultDuplicate ProcessResult = "duplicate"
	ResultIgnored   ProcessResult = "ignored"
	ResultFailed    ProcessResult = "failed"
)

// errCustomerUnresolved событие пришло раньше, чем связь клиента с пользователем
var errCustomerUnresolved = errors.New("payment customer is not linked to any account yet")

// EventProcessor применяет события платежного провайдера ровно один раз
type EventProcessor struct {
	store  repository.Store
	ledger *SubscriptionLedger
	opts   options
	log    *logger.Logger
}

// NewEventProcessor создает обработчик событий
func NewEventProcessor(store repository.Store, ledger *SubscriptionLedger, log *logger.Logger, opts ...Option) *EventProcessor {
	return &EventProcessor{
		store:  store,
		ledger: ledger,
		opts:   buildOptions(opts),
		log:    log,
	}
}

// Process обрабатывает событие. Маркер идемпотентности, переход и отметка
// о завершении выполняются в одной транзакции. При ошибке перехода маркер
// записывается как failed отдельно, а вызывающему возвращается временная
// ошибка, чтобы провайдер доставил событие повторно.
func (p *EventProcessor) Process(ctx context.Context, ev domain.PaymentEvent) (ProcessResult, error) {
	if ev.ID == "" {
		return ResultFailed, fmt.Errorf("%w: event id is required", domain.ErrInvalidArgument)
	}
	eventType := ev.RawType
	if eventType == "" {
		eventType = string(ev.Type)
	}

	now := p.opts.now().UTC()
	result := ResultApplied
	var oc outcome
	err := p.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		oc = outcome{}
		claimed, err := tx.ClaimWebhookEvent(ctx, ev.ID, eventType, now)
		if err != nil {
			return err
		}
		if !claimed {
			result = ResultDuplicate
			return nil
		}

		applied, err := p.apply(ctx, tx, ev, now, &oc)
		if err != nil {
			return err
		}
		if !applied {
			result = ResultIgnored
		}
		return tx.CompleteWebhookEvent(ctx, ev.ID, now)
	})
	if err != nil {
		p.log.Errorw("Payment event processing failed", "eventID", ev.ID, "type", eventType, "error", err)
		p.recordFailure(ctx, ev.ID, eventType, err, now)
		p.opts.metrics.RecordWebhook(string(ev.Type), string(ResultFailed))
		if domain.IsRetryable(err) {
			return ResultFailed, err
		}
		return ResultFailed, domain.NewTransientError("process event "+ev.ID, err)
	}

	p.opts.metrics.RecordWebhook(string(ev.Type), string(result))
	switch result {
	case ResultDuplicate:
		p.log.Infow("Duplicate payment event skipped", "eventID", ev.ID, "type", eventType)
	case ResultIgnored:
		p.log.Debugw("Payment event acknowledged without changes", "eventID", ev.ID, "type", eventType)
	default:
		p.log.Infow("Payment event applied", "eventID", ev.ID, "type", eventType)
	}
	p.ledger.afterCommit(ctx, oc)
	return result, nil
}

func (p *EventProcessor) recordFailure(ctx context.Context, eventID, eventType string, cause error, now time.Time) {
	ctx = context.WithoutCancel(ctx)
	err := p.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.RecordWebhookFailure(ctx, eventID, eventType, cause.Error(), now)
	})
	if err != nil {
		p.log.Errorw("Failed to record payment event failure", "eventID", eventID, "error", err)
	}
}

// apply выполняет переход состояния. false означает, что событие принято
// без изменений.
func (p *EventProcessor) apply(ctx context.Context, tx repository.Tx, ev domain.PaymentEvent, now time.Time, oc *outcome) (bool, error) {
	if ev.Type == domain.EventUnknown || ev.Type == "" {
		return false, nil
	}
	if ev.Type == domain.EventChargeRefunded && !ev.FullRefund() {
		p.log.Infow("Partial refund recorded, access retained",
			"eventID", ev.ID, "customerID", ev.CustomerID, "amount", ev.Amount, "refunded", ev.AmountRefunded)
		return false, nil
	}
	if ev.Type == domain.EventCheckoutCompleted && ev.Mode != domain.CheckoutOneTime && ev.UserID == "" {
		return false, nil
	}

	sub, err := p.resolve(ctx, tx, ev)
	if err != nil {
		return false, err
	}
	if sub == nil || p.foreign(sub, ev) {
		return false, nil
	}

	before := sub.Clone()
	changed, err := p.transition(ctx, tx, sub, ev, now, oc)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	oc.change, err = p.ledger.persist(ctx, tx, before, sub, string(ev.Type), ev.ID, now)
	return true, err
}

// resolve находит подписку события. nil без ошибки значит, что аккаунт уже удален.
func (p *EventProcessor) resolve(ctx context.Context, tx repository.Tx, ev domain.PaymentEvent) (*domain.Subscription, error) {
	if ev.UserID != "" {
		sub, err := tx.GetSubscriptionForUpdate(ctx, ev.UserID)
		if errors.Is(err, domain.ErrNotFound) {
			p.log.Warnw("Payment event for unknown account acknowledged", "eventID", ev.ID, "userID", ev.UserID)
			return nil, nil
		}
		return sub, err
	}
	if ev.CustomerID == "" {
		return nil, fmt.Errorf("%w: event carries neither user nor customer", domain.ErrInvalidArgument)
	}
	sub, err := tx.GetSubscriptionByCustomerForUpdate(ctx, ev.CustomerID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewTransientError("resolve customer "+ev.CustomerID, errCustomerUnresolved)
	}
	return sub, err
}

func (p *EventProcessor) transition(ctx context.Context, tx repository.Tx, sub *domain.Subscription, ev domain.PaymentEvent, now time.Time, oc *outcome) (bool, error) {
	linked := p.link(sub, ev)

	switch ev.Type {
	case domain.EventCheckoutCompleted:
		if ev.Mode != domain.CheckoutOneTime {
			return linked, nil
		}
		t := ev.Tier
		if t == "" {
			t = domain.TierLifetime
		}
		if sub.Tier == t && sub.Status == domain.StatusActive && sub.CurrentPeriodEnd == nil && sub.TrialEndsAt == nil {
			return linked, nil
		}
		return true, p.activate(ctx, tx, sub, t, domain.Period{Start: domain.TimePtr(now)}, now, oc)

	case domain.EventSubscriptionCreated:
		if ev.Tier == "" {
			return false, fmt.Errorf("%w: subscription price is not mapped to a tier", domain.ErrInvalidArgument)
		}
		if p.stale(sub, ev) {
			return linked, nil
		}
		sub.LastEventAt = domain.TimePtr(ev.Created)
		return true, p.activate(ctx, tx, sub, ev.Tier, ev.Period, now, oc)

	case domain.EventSubscriptionUpdated:
		if sub.Status == domain.StatusRefunded || p.stale(sub, ev) {
			return linked, nil
		}
		sub.LastEventAt = domain.TimePtr(ev.Created)
		if ev.Tier != "" && ev.Tier != sub.Tier {
			revs, err := p.ledger.retier(ctx, tx, sub, ev.Tier, now)
			if err != nil {
				return false, err
			}
			oc.revocations = append(oc.revocations, revs...)
		}
		if status, ok := mapProviderStatus(ev.ProviderStatus, ev.CancelAtPeriodEnd); ok {
			sub.Status = status
		}
		if sub.Status == domain.StatusActive || sub.Status == domain.StatusCancelled {
			sub.TrialEndsAt = nil
		}
		setPeriod(sub, ev.Period)
		return true, nil

	case domain.EventSubscriptionCancelled:
		if sub.Status == domain.StatusRefunded || p.stale(sub, ev) {
			return linked, nil
		}
		sub.LastEventAt = domain.TimePtr(ev.Created)
		sub.Status = domain.StatusCancelled
		if sub.CurrentPeriodEnd == nil && ev.Period.End != nil {
			sub.CurrentPeriodEnd = ev.Period.End
		}
		return true, nil

	case domain.EventInvoicePaymentFailed:
		if sub.Status != domain.StatusActive {
			return linked, nil
		}
		sub.Status = domain.StatusPastDue
		return true, nil

	case domain.EventInvoicePaymentSucceeded:
		if sub.Status != domain.StatusActive && sub.Status != domain.StatusPastDue {
			return linked, nil
		}
		sub.Status = domain.StatusActive
		sub.TrialEndsAt = nil
		if ev.Period.End != nil && (sub.CurrentPeriodEnd == nil || ev.Period.End.After(*sub.CurrentPeriodEnd)) {
			setPeriod(sub, ev.Period)
		}
		return true, nil

	case domain.EventChargeRefunded:
		if sub.Status == domain.StatusRefunded {
			return linked, nil
		}
		return true, p.revoke(ctx, tx, sub, now, oc)
	}
	return linked, nil
}

// activate делает подписку активной на тарифе t, в том числе после возврата
func (p *EventProcessor) activate(ctx context.Context, tx repository.Tx, sub *domain.Subscription, t domain.Tier, period domain.Period, now time.Time, oc *outcome) error {
	revs, err := p.ledger.retier(ctx, tx, sub, t, now)
	if err != nil {
		return err
	}
	oc.revocations = append(oc.revocations, revs...)
	sub.Status = domain.StatusActive
	sub.TrialEndsAt = nil
	sub.CurrentPeriodStart = period.Start
	sub.CurrentPeriodEnd = period.End
	return nil
}

// revoke полный возврат: доступ прекращается сразу, все устройства отключаются
func (p *EventProcessor) revoke(ctx context.Context, tx repository.Tx, sub *domain.Subscription, now time.Time, oc *outcome) error {
	if err := p.ledger.catalog.Apply(sub, domain.TierTrial); err != nil {
		return err
	}
	active, err := tx.ListActiveDevices(ctx, sub.UserID)
	if err != nil {
		return err
	}
	for _, d := range active {
		rev, err := deactivateDevice(ctx, tx, d, domain.ReasonRefundRevocation, now)
		if err != nil {
			return err
		}
		oc.revocations = append(oc.revocations, rev)
	}
	sub.ActiveDeviceCount = 0
	sub.Status = domain.StatusRefunded
	sub.TrialEndsAt = domain.TimePtr(now)
	sub.CurrentPeriodEnd = domain.TimePtr(now)
	return nil
}

// link запоминает идентификаторы провайдера, если их еще нет
func (p *EventProcessor) link(sub *domain.Subscription, ev domain.PaymentEvent) bool {
	changed := false
	if ev.CustomerID != "" && sub.ProviderCustomerID == "" {
		sub.ProviderCustomerID = ev.CustomerID
		changed = true
	}
	if ev.ProviderSub != "" && sub.ProviderSubscriptionID != ev.ProviderSub &&
		(ev.Type == domain.EventSubscriptionCreated || sub.ProviderSubscriptionID == "") {
		sub.ProviderSubscriptionID = ev.ProviderSub
		changed = true
	}
	return changed
}

// foreign событие подписки или счета, которое не относится к текущему праву:
// другая подписка провайдера или пожизненный тариф, купленный разовым платежом.
func (p *EventProcessor) foreign(sub *domain.Subscription, ev domain.PaymentEvent) bool {
	switch ev.Type {
	case domain.EventSubscriptionUpdated, domain.EventSubscriptionCancelled,
		domain.EventInvoicePaymentFailed, domain.EventInvoicePaymentSucceeded:
	default:
		return false
	}
	if sub.Tier != domain.TierLifetime &&
		(ev.ProviderSub == "" || sub.ProviderSubscriptionID == "" || ev.ProviderSub == sub.ProviderSubscriptionID) {
		return false
	}
	p.log.Infow("Event for a subscription not backing the entitlement ignored",
		"eventID", ev.ID,
		"type", ev.Type,
		"providerSub", ev.ProviderSub,
		"linkedSub", sub.ProviderSubscriptionID,
		"tier", sub.Tier,
	)
	return true
}

// stale снимок подписки старше уже примененного
func (p *EventProcessor) stale(sub *domain.Subscription, ev domain.PaymentEvent) bool {
	if sub.LastEventAt == nil || ev.Created.IsZero() || !ev.Created.Before(*sub.LastEventAt) {
		return false
	}
	p.log.Infow("Stale subscription snapshot ignored", "eventID", ev.ID, "created", ev.Created, "lastEventAt", sub.LastEventAt)
	return true
}

func setPeriod(sub *domain.Subscription, period domain.Period) {
	if period.Start != nil {
		sub.CurrentPeriodStart = period.Start
	}
	if period.End != nil {
		sub.CurrentPeriodEnd = period.End
	}
}

// mapProviderStatus переводит статус подписки провайдера в статус ядра
func mapProviderStatus(status string, cancelAtPeriodEnd bool) (domain.SubscriptionStatus, bool) {
	if cancelAtPeriodEnd && (status == "active" || status == "trialing") {
		return domain.StatusCancelled, true
	}
	switch status {
	case "active", "trialing":
		return domain.StatusActive, true
	case "past_due", "unpaid":
		return domain.StatusPastDue, true
	case "canceled":
		return domain.StatusCancelled, true
	case "incomplete_expired":
		return domain.StatusExpired, true
	}
	return "", false
}
