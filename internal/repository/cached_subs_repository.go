package repository

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/pkg/logger"
)

// CachedStore добавляет к Store кеш чтения подписок.
// Транзакции запоминают затронутых пользователей и сбрасывают их кеш после фиксации.
// Ошибки кеша не прерывают операцию.
type CachedStore struct {
	Store
	cache   SubscriptionCache
	timeout time.Duration
	log     *logger.Logger
}

// NewCachedStore создает хранилище с кешированием
func NewCachedStore(store Store, cache SubscriptionCache, log *logger.Logger) *CachedStore {
	return &CachedStore{
		Store:   store,
		cache:   cache,
		timeout: 300 * time.Millisecond,
		log:     log,
	}
}

// GetSubscription получает подписку (сначала из кеша, потом из БД)
func (s *CachedStore) GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	cacheCtx, cancel := context.WithTimeout(ctx, s.timeout)
	cached, err := s.cache.GetCachedSubscription(cacheCtx, userID)
	cancel()
	if err != nil {
		s.log.Warnw("Error getting subscription from cache", "error", err, "userID", userID)
	}
	if cached != nil {
		return cached, nil
	}

	sub, err := s.Store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	cacheCtx, cancel = context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.cache.CacheSubscription(cacheCtx, sub); err != nil {
		s.log.Warnw("Failed to cache subscription after fetching", "error", err, "userID", userID)
	}
	return sub, nil
}

// Atomic выполняет транзакцию и инвалидирует кеш измененных подписок
func (s *CachedStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	touched := &touchedUsers{}
	err := s.Store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &invalidatingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}

	if ids := touched.list(); len(ids) > 0 {
		cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.cache.DeleteCachedSubscription(cacheCtx, ids...); err != nil {
			s.log.Warnw("Failed to invalidate subscription cache", "error", err, "users", ids)
		}
	}
	return nil
}

type touchedUsers struct {
	mu  sync.Mutex
	ids []string
}

func (t *touchedUsers) add(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.ids {
		if id == userID {
			return
		}
	}
	t.ids = append(t.ids, userID)
}

func (t *touchedUsers) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ids...)
}

type invalidatingTx struct {
	Tx
	touched *touchedUsers
}

func (t *invalidatingTx) DeleteUser(ctx context.Context, userID string) error {
	t.touched.add(userID)
	return t.Tx.DeleteUser(ctx, userID)
}

func (t *invalidatingTx) InsertSubscription(ctx context.Context, sub *domain.Subscription) error {
	t.touched.add(sub.UserID)
	return t.Tx.InsertSubscription(ctx, sub)
}

func (t *invalidatingTx) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	t.touched.add(sub.UserID)
	return t.Tx.UpdateSubscription(ctx, sub)
}
