package mapping

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hackgods/crm-appointment-sync/internal/keylock"
)

const maxUpdateAttempts = 5

// Cache is a read-through, short-TTL copy of the mapping document. Reads
// younger than the TTL never reach the store; concurrent refreshes collapse
// into one store read.
type Cache struct {
	store  Store
	ttl    time.Duration
	locker keylock.Locker
	logger *zap.Logger
	now    func() time.Time

	// saveMu orders store writes with the cache refresh that follows them
	saveMu    sync.Mutex
	mu        sync.RWMutex
	doc       Document
	version   string
	fetchedAt time.Time
	loaded    bool

	group singleflight.Group
}

func NewCache(store Store, ttl time.Duration, locker keylock.Locker, logger *zap.Logger) *Cache {
	if locker == nil {
		locker = keylock.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, ttl: ttl, locker: locker, logger: logger, now: time.Now}
}

type snapshot struct {
	doc     Document
	version string
}

func (c *Cache) fresh() (snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded || c.now().Sub(c.fetchedAt) >= c.ttl {
		return snapshot{}, false
	}
	return snapshot{doc: maps.Clone(c.doc), version: c.version}, true
}

func (c *Cache) load(ctx context.Context) (snapshot, error) {
	if s, ok := c.fresh(); ok {
		return s, nil
	}

	v, err, _ := c.group.Do("load", func() (any, error) {
		doc, version, err := c.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.doc, c.version = doc, version
		c.fetchedAt = c.now()
		c.loaded = true
		c.mu.Unlock()
		return snapshot{doc: doc, version: version}, nil
	})
	if err != nil {
		return snapshot{}, fmt.Errorf("load mapping document: %w", err)
	}
	s := v.(snapshot)
	return snapshot{doc: maps.Clone(s.doc), version: s.version}, nil
}

// Load returns a private copy of the document.
func (c *Cache) Load(ctx context.Context) (Document, error) {
	s, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return s.doc, nil
}

func (c *Cache) Get(ctx context.Context, eventID string) (Entry, bool, error) {
	doc, err := c.Load(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := doc[eventID]
	return e, ok, nil
}

// Save writes doc against the version last read. On success the cache holds
// doc; on failure the cache is dropped so the next read refetches. The
// result reports whether the write landed.
func (c *Cache) Save(ctx context.Context, doc Document) bool {
	c.mu.RLock()
	version := c.version
	c.mu.RUnlock()

	if err := c.save(ctx, doc, version); err != nil {
		c.logger.Warn("save mapping document", zap.Error(err))
		return false
	}
	return true
}

func (c *Cache) save(ctx context.Context, doc Document, version string) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	newVersion, err := c.store.Save(ctx, doc, version)
	if err != nil {
		c.Invalidate()
		return err
	}

	c.mu.Lock()
	c.doc = maps.Clone(doc)
	c.version = newVersion
	c.fetchedAt = c.now()
	c.loaded = true
	c.mu.Unlock()
	return nil
}

func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}

// WithEventLock runs fn while holding the exclusive lock for eventID. Every
// read-modify-write of that event's entry belongs inside it.
func (c *Cache) WithEventLock(ctx context.Context, eventID string, fn func(ctx context.Context) error) error {
	return c.locker.WithLock(ctx, "mapping:"+eventID, fn)
}

// Update applies mutate to the entry for eventID and writes the document,
// rereading and reapplying when another writer changed the document in
// between. The caller must hold the event lock.
func (c *Cache) Update(ctx context.Context, eventID string, mutate func(e *Entry)) error {
	for attempt := 1; ; attempt++ {
		s, err := c.load(ctx)
		if err != nil {
			return err
		}

		e := s.doc[eventID]
		mutate(&e)
		e.UpdatedAt = c.now().UTC()
		s.doc[eventID] = e

		err = c.save(ctx, s.doc, s.version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxUpdateAttempts {
			return fmt.Errorf("update mapping for event %s: %w", eventID, err)
		}
		c.logger.Debug("mapping document changed, retrying update",
			zap.String("event_id", eventID),
			zap.Int("attempt", attempt),
		)
	}
}
