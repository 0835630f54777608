package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/yoockh/careertalk/internal/models"
	"github.com/yoockh/careertalk/internal/storage"
	"github.com/yoockh/careertalk/internal/workers"
)

// Mutation edits a cached document in place. It runs under the cache lock and must not block.
type Mutation func(doc models.Document) error

// Write is the handle for one submitted store write. Several callers may share one Write
// when their writes are coalesced.
type Write struct {
	done     chan struct{}
	location string
	err      error
}

func newWrite() *Write { return &Write{done: make(chan struct{})} }

func completedWrite(err error) *Write {
	w := newWrite()
	w.complete("", err)
	return w
}

func (w *Write) complete(location string, err error) {
	w.location, w.err = location, err
	close(w.done)
}

func (w *Write) Done() <-chan struct{} { return w.done }

// Wait returns the store location once the write lands. A ctx timeout only stops waiting.
func (w *Write) Wait(ctx context.Context) (string, error) {
	select {
	case <-w.done:
		return w.location, w.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	TTL           time.Duration
	// NewDocument returns the empty document for key. It is used both as the decode target
	// and as the value when nothing is stored yet.
	NewDocument func(key string) models.Document
	Now         func() time.Time
}

type Stats struct {
	Hits          int64
	Misses        int64
	Flushes       int64
	Writes        int64
	WriteFailures int64
	Coalesced     int64
	Evictions     int64
	LoadFailures  int64
}

type entry struct {
	doc      models.Document
	cachedAt time.Time
}

// flight tracks the single in-flight store write for a key and, at most, one parked
// trailing write carrying the newest snapshot.
type flight struct {
	waiters      []*Write
	trailing     models.Document
	trailWaiters []*Write
}

type load struct {
	mutations []Mutation
	waiters   []*Write
}

// WriteBehind caches documents by storage key, batches appended messages per key and
// persists through the worker pool. One mutex guards every map below.
type WriteBehind struct {
	store storage.DocumentStore
	pool  *workers.Pool
	log   *logrus.Logger
	opts  Options

	mu      sync.Mutex
	entries map[string]*entry
	pending map[string][]models.Message
	flights map[string]*flight
	loading map[string]*load
	drop    map[string]struct{}
	stats   Stats

	reads singleflight.Group

	loopMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

func NewWriteBehind(store storage.DocumentStore, pool *workers.Pool, log *logrus.Logger, opts Options) *WriteBehind {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewDocument == nil {
		opts.NewDocument = DefaultDocument
	}
	return &WriteBehind{
		store:   store,
		pool:    pool,
		log:     log,
		opts:    opts,
		entries: map[string]*entry{},
		pending: map[string][]models.Message{},
		flights: map[string]*flight{},
		loading: map[string]*load{},
		drop:    map[string]struct{}{},
	}
}

// DefaultDocument picks the empty document by key prefix.
func DefaultDocument(key string) models.Document {
	if strings.HasPrefix(key, models.SummaryPrefix+"/") {
		return &models.SummaryDocument{SchemaVersion: models.SummarySchemaVersion}
	}
	return models.EmptySessionDocument(key)
}

// trustedLocked reports whether the cached entry may be used without going to the store:
// it is younger than TTL, or a write from this process is still in flight and the store
// is therefore behind the cache.
func (c *WriteBehind) trustedLocked(key string, e *entry) bool {
	if e == nil {
		return false
	}
	if _, busy := c.flights[key]; busy {
		return true
	}
	return c.opts.Now().Sub(e.cachedAt) < c.opts.TTL
}

// Read returns a copy of the document at key, fetching it when the cached copy is missing
// or stale. Concurrent misses for one key share a single fetch.
func (c *WriteBehind) Read(ctx context.Context, key string) (models.Document, error) {
	c.mu.Lock()
	if e := c.entries[key]; c.trustedLocked(key, e) {
		c.stats.Hits++
		doc := e.doc.Clone()
		c.mu.Unlock()
		return doc, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	v, err, _ := c.reads.Do(key, func() (any, error) {
		return c.fetch(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(models.Document).Clone(), nil
}

func (c *WriteBehind) fetch(ctx context.Context, key string) (models.Document, error) {
	doc := c.opts.NewDocument(key)
	if _, err := c.store.GetDocument(ctx, key, doc); err != nil {
		return nil, errors.Wrapf(err, "fetch %s", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A Put or flush may have landed in the cache while we were reading; it is newer.
	if e := c.entries[key]; c.trustedLocked(key, e) {
		return e.doc.Clone(), nil
	}
	c.entries[key] = &entry{doc: doc, cachedAt: c.opts.Now()}
	return doc.Clone(), nil
}

// Put replaces the document at key and schedules its write.
func (c *WriteBehind) Put(key string, doc models.Document) *Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.drop, key)
	c.entries[key] = &entry{doc: doc.Clone(), cachedAt: c.opts.Now()}
	w := newWrite()
	c.submitLocked(key, doc.Clone(), w)
	return w
}

// EnqueueMessage queues msg for key. Reaching the batch size flushes the key at once.
func (c *WriteBehind) EnqueueMessage(key string, msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] = append(c.pending[key], msg)
	if len(c.pending[key]) >= c.opts.BatchSize {
		c.flushLocked(key)
	}
}

// PendingCount is the number of queued, unflushed messages for key.
func (c *WriteBehind) PendingCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[key])
}

// Flush drains key's queue into its document and schedules the write. With nothing queued
// it returns an already completed Write.
func (c *WriteBehind) Flush(key string) *Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(key)
}

// FlushAll flushes every key with queued messages.
func (c *WriteBehind) FlushAll() []*Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Write, 0, len(c.pending))
	for key := range c.pending {
		out = append(out, c.flushLocked(key))
	}
	return out
}

func (c *WriteBehind) flushLocked(key string) *Write {
	msgs := c.pending[key]
	delete(c.pending, key)
	if len(msgs) == 0 {
		return completedWrite(nil)
	}
	c.stats.Flushes++
	return c.mutateLocked(key, appendMessages(msgs))
}

func appendMessages(msgs []models.Message) Mutation {
	return func(doc models.Document) error {
		ml, ok := doc.(models.MessageLog)
		if !ok {
			return fmt.Errorf("document %s does not hold messages", doc.Kind())
		}
		ml.AppendMessages(msgs...)
		return nil
	}
}

// Update applies fn to the current document at key and schedules the write. When the key
// is not cached it is loaded first, off the caller's goroutine.
func (c *WriteBehind) Update(key string, fn Mutation) *Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutateLocked(key, fn)
}

func (c *WriteBehind) mutateLocked(key string, fn Mutation) *Write {
	delete(c.drop, key)
	w := newWrite()

	if ld, ok := c.loading[key]; ok {
		ld.mutations = append(ld.mutations, fn)
		ld.waiters = append(ld.waiters, w)
		return w
	}

	if e := c.entries[key]; c.trustedLocked(key, e) {
		c.applyLocked(key, e, []Mutation{fn})
		c.submitLocked(key, e.doc.Clone(), w)
		return w
	}

	ld := &load{mutations: []Mutation{fn}, waiters: []*Write{w}}
	c.loading[key] = ld
	c.pool.Go("load "+key, func(ctx context.Context) error {
		return c.runLoad(ctx, key)
	})
	return w
}

func (c *WriteBehind) applyLocked(key string, e *entry, muts []Mutation) {
	for _, m := range muts {
		if err := m(e.doc); err != nil {
			c.log.WithError(err).WithField("key", key).Error("cache mutation failed")
		}
	}
	e.cachedAt = c.opts.Now()
}

func (c *WriteBehind) runLoad(ctx context.Context, key string) error {
	doc := c.opts.NewDocument(key)
	_, err := c.store.GetDocument(ctx, key, doc)

	c.mu.Lock()
	defer c.mu.Unlock()
	ld := c.loading[key]
	delete(c.loading, key)
	if ld == nil {
		return nil
	}

	if err != nil {
		c.stats.LoadFailures++
		c.log.WithError(err).WithFields(logrus.Fields{
			"key":       key,
			"mutations": len(ld.mutations),
		}).Error("cache load failed, dropping queued changes")
		err = errors.Wrapf(err, "load %s", key)
		for _, w := range ld.waiters {
			w.complete("", err)
		}
		c.settleLocked(key)
		return err
	}

	e := c.entries[key]
	if !c.trustedLocked(key, e) {
		e = &entry{doc: doc}
		c.entries[key] = e
	}
	c.applyLocked(key, e, ld.mutations)
	c.submitLocked(key, e.doc.Clone(), ld.waiters...)
	return nil
}

// submitLocked starts a write of snap, or parks it as the trailing write when one is
// already in flight for key. A parked snapshot replaces any older parked one.
func (c *WriteBehind) submitLocked(key string, snap models.Document, waiters ...*Write) {
	if f, busy := c.flights[key]; busy {
		c.stats.Coalesced++
		f.trailing = snap
		f.trailWaiters = append(f.trailWaiters, waiters...)
		return
	}
	c.flights[key] = &flight{waiters: waiters}
	c.startWriteLocked(key, snap)
}

func (c *WriteBehind) startWriteLocked(key string, snap models.Document) {
	c.pool.Go("write "+key, func(ctx context.Context) error {
		loc, err := c.store.PutDocument(ctx, key, snap, storage.ContentTypeJSON)
		c.finishWrite(key, loc, err)
		return err
	})
}

func (c *WriteBehind) finishWrite(key, loc string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Writes++
	if err != nil {
		c.stats.WriteFailures++
		c.log.WithError(err).WithField("key", key).Error("store write failed")
	}

	f := c.flights[key]
	if f == nil {
		return
	}
	for _, w := range f.waiters {
		w.complete(loc, err)
	}
	if f.trailing != nil {
		next := &flight{waiters: f.trailWaiters}
		c.flights[key] = next
		c.startWriteLocked(key, f.trailing)
		return
	}
	delete(c.flights, key)
	c.settleLocked(key)
}

// settleLocked drops an invalidated entry once nothing is in flight for its key.
func (c *WriteBehind) settleLocked(key string) {
	if _, marked := c.drop[key]; !marked {
		return
	}
	if _, busy := c.flights[key]; busy {
		return
	}
	if _, busy := c.loading[key]; busy {
		return
	}
	delete(c.entries, key)
	delete(c.drop, key)
}

// Invalidate forgets the cached copy of key, or of every key when key is empty. Entries
// with a write or load in flight are forgotten as soon as it completes.
func (c *WriteBehind) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key != "" {
		c.drop[key] = struct{}{}
		c.settleLocked(key)
		return
	}
	keys := make([]string, 0, len(c.entries)+len(c.loading))
	for k := range c.entries {
		keys = append(keys, k)
	}
	for k := range c.loading {
		keys = append(keys, k)
	}
	for _, k := range keys {
		c.drop[k] = struct{}{}
		c.settleLocked(k)
	}
}

// Evict removes idle entries older than TTL and returns how many went.
func (c *WriteBehind) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	n := 0
	for key, e := range c.entries {
		if now.Sub(e.cachedAt) < c.opts.TTL {
			continue
		}
		if _, busy := c.flights[key]; busy {
			continue
		}
		if _, busy := c.loading[key]; busy {
			continue
		}
		if len(c.pending[key]) > 0 {
			continue
		}
		delete(c.entries, key)
		n++
	}
	c.stats.Evictions += int64(n)
	return n
}

// Exists reports whether key is known to the cache (cached, queued or being written) or
// already present in the store.
func (c *WriteBehind) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	_, cached := c.entries[key]
	_, writing := c.flights[key]
	_, loading := c.loading[key]
	queued := len(c.pending[key]) > 0
	c.mu.Unlock()
	if cached || writing || loading || queued {
		return true, nil
	}
	ok, err := c.store.Exists(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, "exists %s", key)
	}
	return ok, nil
}

// Cached reports whether key has an entry, stale or not.
func (c *WriteBehind) Cached(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func (c *WriteBehind) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Start runs the periodic flush and eviction loop until ctx ends or Close is called.
func (c *WriteBehind) Start(ctx context.Context) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.stopLoop != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.stopLoop = cancel
	c.loopDone = make(chan struct{})

	go func() {
		defer close(c.loopDone)
		t := time.NewTicker(c.opts.FlushInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.tick()
			}
		}
	}()
}

func (c *WriteBehind) tick() {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("cache flush tick panicked")
		}
	}()
	writes := c.FlushAll()
	evicted := c.Evict()
	if len(writes) > 0 || evicted > 0 {
		c.log.WithFields(logrus.Fields{
			"flushed": len(writes),
			"evicted": evicted,
		}).Debug("cache tick")
	}
}

// Close flushes every queue, waits for outstanding pool work, then stops the loop.
func (c *WriteBehind) Close(ctx context.Context) error {
	c.FlushAll()
	err := c.pool.Drain(ctx)

	c.loopMu.Lock()
	stop, done := c.stopLoop, c.loopDone
	c.stopLoop = nil
	c.loopMu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	if err != nil {
		return errors.Wrap(err, "drain worker pool")
	}
	return nil
}
