package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/stripe/stripe-go/v78"
)

// Типы событий Stripe, которые понимает ядро
const (
	typeCheckoutCompleted    = "checkout.session.completed"
	typeSubscriptionCreated  = "customer.subscription.created"
	typeSubscriptionUpdated  = "customer.subscription.updated"
	typeSubscriptionDeleted  = "customer.subscription.deleted"
	typeInvoicePaymentFailed = "invoice.payment_failed"
	typeInvoicePaid          = "invoice.payment_succeeded"
	typeChargeRefunded       = "charge.refunded"
)

// Mapper приводит события Stripe к domain.PaymentEvent
type Mapper struct {
	byPrice map[string]Price
}

// NewMapper создает маппер с таблицей цен
func NewMapper(prices []Price) *Mapper {
	m := &Mapper{byPrice: make(map[string]Price, len(prices))}
	for _, p := range prices {
		m.byPrice[p.ID] = p
	}
	return m
}

// Map разбирает объект события. Неизвестные типы возвращаются как EventUnknown.
func (m *Mapper) Map(e stripe.Event) (domain.PaymentEvent, error) {
	eventType, raw := rawEvent(e)
	ev := domain.PaymentEvent{
		ID:      e.ID,
		Type:    domain.EventUnknown,
		RawType: eventType,
	}
	if e.Created > 0 {
		ev.Created = time.Unix(e.Created, 0).UTC()
	}

	var err error
	switch eventType {
	case typeCheckoutCompleted:
		err = m.checkout(raw, &ev)
	case typeSubscriptionCreated, typeSubscriptionUpdated, typeSubscriptionDeleted:
		err = m.subscription(raw, &ev)
	case typeInvoicePaymentFailed, typeInvoicePaid:
		err = m.invoice(raw, &ev)
	case typeChargeRefunded:
		err = m.charge(raw, &ev)
	}
	if err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: event %s (%s): %v", domain.ErrInvalidArgument, e.ID, eventType, err)
	}
	return ev, nil
}

func (m *Mapper) checkout(raw []byte, ev *domain.PaymentEvent) error {
	var s stripe.CheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	ev.Type = domain.EventCheckoutCompleted
	ev.Mode = domain.CheckoutRecurring
	if s.Mode == stripe.CheckoutSessionModePayment {
		ev.Mode = domain.CheckoutOneTime
	}
	ev.UserID = s.ClientReferenceID
	if ev.UserID == "" {
		ev.UserID = s.Metadata[metadataUserIDKey]
	}
	if s.Customer != nil {
		ev.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		ev.ProviderSub = s.Subscription.ID
	}
	ev.Tier = tierFromMetadata(s.Metadata)
	ev.Amount = s.AmountTotal
	return nil
}

func (m *Mapper) subscription(raw []byte, ev *domain.PaymentEvent) error {
	var s stripe.Subscription
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	switch ev.RawType {
	case typeSubscriptionCreated:
		ev.Type = domain.EventSubscriptionCreated
	case typeSubscriptionUpdated:
		ev.Type = domain.EventSubscriptionUpdated
	default:
		ev.Type = domain.EventSubscriptionCancelled
	}
	ev.UserID = s.Metadata[metadataUserIDKey]
	if s.Customer != nil {
		ev.CustomerID = s.Customer.ID
	}
	ev.ProviderSub = s.ID
	ev.ProviderStatus = string(s.Status)
	ev.CancelAtPeriodEnd = s.CancelAtPeriodEnd
	ev.Period = period(s.CurrentPeriodStart, s.CurrentPeriodEnd)

	// Цена важнее метаданных: при смене плана метаданные подписки не меняются
	ev.Tier = tierFromMetadata(s.Metadata)
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item.Price == nil {
				continue
			}
			if p, ok := m.byPrice[item.Price.ID]; ok {
				ev.Tier = p.Tier
				break
			}
		}
	}
	return nil
}

func (m *Mapper) invoice(raw []byte, ev *domain.PaymentEvent) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	ev.Type = domain.EventInvoicePaymentFailed
	if ev.RawType == typeInvoicePaid {
		ev.Type = domain.EventInvoicePaymentSucceeded
	}
	if inv.Customer != nil {
		ev.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		ev.ProviderSub = inv.Subscription.ID
	}
	ev.Amount = inv.AmountPaid

	// Период подписки берется из строк счета, поля счета описывают прошлый период
	start, end := inv.PeriodStart, inv.PeriodEnd
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Period != nil && line.Period.End > end {
				start, end = line.Period.Start, line.Period.End
			}
		}
	}
	ev.Period = period(start, end)
	return nil
}

func (m *Mapper) charge(raw []byte, ev *domain.PaymentEvent) error {
	var ch stripe.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return err
	}
	ev.Type = domain.EventChargeRefunded
	ev.UserID = ch.Metadata[metadataUserIDKey]
	if ch.Customer != nil {
		ev.CustomerID = ch.Customer.ID
	}
	ev.Amount = ch.Amount
	ev.AmountRefunded = ch.AmountRefunded
	return nil
}

func tierFromMetadata(md map[string]string) domain.Tier {
	t, err := domain.ParseTier(md[metadataTierKey])
	if err != nil {
		return ""
	}
	return t
}

func period(start, end int64) domain.Period {
	var p domain.Period
	if start > 0 {
		p.Start = domain.TimePtr(time.Unix(start, 0).UTC())
	}
	if end > 0 {
		p.End = domain.TimePtr(time.Unix(end, 0).UTC())
	}
	return p
}
