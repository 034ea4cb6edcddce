package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/repository"
)

type usageKey struct {
	userID string
	period time.Time
	metric domain.UsageMetric
}

type state struct {
	users   map[string]domain.User
	subs    map[string]*domain.Subscription
	history map[string][]domain.HistoryEntry
	devices map[string]*domain.Device
	events  map[string]*domain.WebhookEventRecord
	usage   map[usageKey]int64
}

func newState() *state {
	return &state{
		users:   make(map[string]domain.User),
		subs:    make(map[string]*domain.Subscription),
		history: make(map[string][]domain.HistoryEntry),
		devices: make(map[string]*domain.Device),
		events:  make(map[string]*domain.WebhookEventRecord),
		usage:   make(map[usageKey]int64),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.subs {
		c.subs[k] = v.Clone()
	}
	for k, v := range s.history {
		c.history[k] = append([]domain.HistoryEntry(nil), v...)
	}
	for k, v := range s.devices {
		d := *v
		c.devices[k] = &d
	}
	for k, v := range s.events {
		e := *v
		c.events[k] = &e
	}
	for k, v := range s.usage {
		c.usage[k] = v
	}
	return c
}

// Store хранилище в памяти. Транзакции сериализуются одним мьютексом,
// при ошибке состояние восстанавливается из снимка.
type Store struct {
	mu sync.Mutex
	st *state
}

// NewStore создает пустое хранилище в памяти
func NewStore() *Store {
	return &Store{st: newState()}
}

var _ repository.Store = (*Store)(nil)

// Atomic выполняет fn под мьютексом
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return domain.NewTransientError("memory store", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(ctx, &tx{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) GetSubscription(_ context.Context, userID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.st.subs[userID]
	if !ok {
		return nil, domain.NewNotFoundError("subscription", userID)
	}
	return sub.Clone(), nil
}

func (s *Store) ListHistory(_ context.Context, userID string) ([]domain.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.HistoryEntry(nil), s.st.history[userID]...), nil
}

func (s *Store) ListDevices(_ context.Context, userID string) ([]domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Device
	for _, d := range s.st.devices {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

func (s *Store) GetUsage(_ context.Context, userID string, period time.Time) (domain.UsageCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.usageFor(userID, period), nil
}

func (s *Store) GetWebhookEvent(_ context.Context, eventID string) (*domain.WebhookEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.st.events[eventID]
	if !ok {
		return nil, domain.NewNotFoundError("webhook event", eventID)
	}
	rec := *e
	return &rec, nil
}

func (s *Store) ListExpiredTrials(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, sub := range s.st.subs {
		if domain.TrialExpired(sub, now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

func (s *state) usageFor(userID string, period time.Time) domain.UsageCounters {
	out := make(domain.UsageCounters, len(domain.UsageMetrics))
	for _, m := range domain.UsageMetrics {
		out[m] = s.usage[usageKey{userID: userID, period: period.UTC(), metric: m}]
	}
	return out
}

type tx struct {
	st *state
}

func (t *tx) CreateUser(_ context.Context, user domain.User) (bool, error) {
	if _, ok := t.st.users[user.ID]; ok {
		return false, nil
	}
	t.st.users[user.ID] = user
	return true, nil
}

func (t *tx) DeleteUser(_ context.Context, userID string) error {
	if _, ok := t.st.users[userID]; !ok {
		return domain.NewNotFoundError("user", userID)
	}
	delete(t.st.users, userID)
	delete(t.st.subs, userID)
	delete(t.st.history, userID)
	for id, d := range t.st.devices {
		if d.UserID == userID {
			delete(t.st.devices, id)
		}
	}
	for k := range t.st.usage {
		if k.userID == userID {
			delete(t.st.usage, k)
		}
	}
	return nil
}

func (t *tx) GetSubscriptionForUpdate(_ context.Context, userID string) (*domain.Subscription, error) {
	sub, ok := t.st.subs[userID]
	if !ok {
		return nil, domain.NewNotFoundError("subscription", userID)
	}
	return sub.Clone(), nil
}

func (t *tx) GetSubscriptionByCustomerForUpdate(_ context.Context, customerID string) (*domain.Subscription, error) {
	if customerID != "" {
		for _, sub := range t.st.subs {
			if sub.ProviderCustomerID == customerID {
				return sub.Clone(), nil
			}
		}
	}
	return nil, domain.NewNotFoundError("subscription for customer", customerID)
}

func (t *tx) InsertSubscription(_ context.Context, sub *domain.Subscription) error {
	if _, ok := t.st.users[sub.UserID]; !ok {
		return fmt.Errorf("insert subscription: %w", domain.NewNotFoundError("user", sub.UserID))
	}
	if _, ok := t.st.subs[sub.UserID]; ok {
		return fmt.Errorf("insert subscription %s: %w", sub.UserID, domain.ErrDuplicate)
	}
	if err := t.checkCustomerUnique(sub); err != nil {
		return err
	}
	stored := sub.Clone()
	stored.History = nil
	stored.UsageThisMonth = nil
	t.st.subs[sub.UserID] = stored
	return nil
}

func (t *tx) UpdateSubscription(_ context.Context, sub *domain.Subscription) error {
	if _, ok := t.st.subs[sub.UserID]; !ok {
		return domain.NewNotFoundError("subscription", sub.UserID)
	}
	if err := t.checkCustomerUnique(sub); err != nil {
		return err
	}
	stored := sub.Clone()
	stored.History = nil
	stored.UsageThisMonth = nil
	t.st.subs[sub.UserID] = stored
	return nil
}

func (t *tx) checkCustomerUnique(sub *domain.Subscription) error {
	if sub.ProviderCustomerID == "" {
		return nil
	}
	for id, other := range t.st.subs {
		if id != sub.UserID && other.ProviderCustomerID == sub.ProviderCustomerID {
			return fmt.Errorf("customer %s already linked: %w", sub.ProviderCustomerID, domain.ErrDuplicate)
		}
	}
	return nil
}

func (t *tx) AppendHistory(_ context.Context, userID string, entry domain.HistoryEntry) error {
	t.st.history[userID] = append(t.st.history[userID], entry)
	return nil
}

func (t *tx) GetDevice(_ context.Context, deviceID string) (*domain.Device, error) {
	d, ok := t.st.devices[deviceID]
	if !ok {
		return nil, domain.NewNotFoundError("device", deviceID)
	}
	out := *d
	return &out, nil
}

func (t *tx) ListActiveDevices(_ context.Context, userID string) ([]domain.Device, error) {
	var out []domain.Device
	for _, d := range t.st.devices {
		if d.UserID == userID && d.IsActive {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.Before(out[j].LastSeen)
	})
	return out, nil
}

func (t *tx) InsertDevice(_ context.Context, device *domain.Device) error {
	if _, ok := t.st.devices[device.ID]; ok {
		return fmt.Errorf("insert device: %w", domain.ErrDuplicate)
	}
	d := *device
	t.st.devices[device.ID] = &d
	return nil
}

func (t *tx) UpdateDevice(_ context.Context, device *domain.Device) error {
	if _, ok := t.st.devices[device.ID]; !ok {
		return domain.NewNotFoundError("device", device.ID)
	}
	d := *device
	t.st.devices[device.ID] = &d
	return nil
}

func (t *tx) ClaimWebhookEvent(_ context.Context, eventID, eventType string, now time.Time) (bool, error) {
	if rec, ok := t.st.events[eventID]; ok {
		if rec.Status != domain.WebhookFailed {
			return false, nil
		}
		rec.Status = domain.WebhookProcessing
		rec.Attempts++
		rec.LastError = ""
		rec.UpdatedAt = now
		return true, nil
	}
	t.st.events[eventID] = &domain.WebhookEventRecord{
		EventID:   eventID,
		EventType: eventType,
		Status:    domain.WebhookProcessing,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

func (t *tx) CompleteWebhookEvent(_ context.Context, eventID string, now time.Time) error {
	rec, ok := t.st.events[eventID]
	if !ok {
		return domain.NewNotFoundError("webhook event", eventID)
	}
	rec.Status = domain.WebhookCompleted
	rec.UpdatedAt = now
	return nil
}

func (t *tx) RecordWebhookFailure(_ context.Context, eventID, eventType, lastErr string, now time.Time) error {
	rec, ok := t.st.events[eventID]
	if !ok {
		t.st.events[eventID] = &domain.WebhookEventRecord{
			EventID:   eventID,
			EventType: eventType,
			Status:    domain.WebhookFailed,
			Attempts:  1,
			LastError: lastErr,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return nil
	}
	if rec.Status == domain.WebhookCompleted {
		return nil
	}
	rec.Status = domain.WebhookFailed
	rec.Attempts++
	rec.LastError = lastErr
	rec.UpdatedAt = now
	return nil
}

func (t *tx) IncrementUsage(_ context.Context, userID string, period time.Time, metric domain.UsageMetric, amount, limit int64) (int64, bool, error) {
	key := usageKey{userID: userID, period: period.UTC(), metric: metric}
	current := t.st.usage[key]
	if limit >= 0 && current+amount > limit {
		return current, false, nil
	}
	t.st.usage[key] = current + amount
	return current + amount, true, nil
}

func (t *tx) GetUsage(_ context.Context, userID string, period time.Time) (domain.UsageCounters, error) {
	return t.st.usageFor(userID, period), nil
}
