package broker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/logging"
	"github.com/tidwall/gjson"

	"meshsig/internal/dedup"
)

const (
	reconnectBase       = 1 * time.Second
	reconnectMaxDelay   = 30 * time.Second
	reconnectMaxAttempt = 10
	dropFlushInterval   = 15 * time.Second
	dropFlushThreshold  = 200
	dropTopDuplicates   = 5
)

// Config describes one broker endpoint in the pool.
type Config struct {
	URL      string
	Username string
	Password string
}

// MessageHandler receives a de-duplicated PUBLISH payload.
type MessageHandler func(topic string, payload []byte)

// ReconnectHook fires once a broker re-subscribes successfully after an
// unintentional disconnect (spec.md §4.3 "Reconnect").
type ReconnectHook func()

// Pool owns up to N broker clients (spec.md §4.3).
type Pool struct {
	logger logging.LeveledLogger
	selfID string
	topic  string

	mu      sync.Mutex
	clients []*Client
	topics  map[string]bool // brokerURL -> subscribed

	dedup *dedup.Cache

	onMessage   MessageHandler
	onReconnect ReconnectHook

	reconnecting sync.Map // brokerURL -> *boolFlag reconnect guard
	shutdown     chan struct{}
	closeOnce    sync.Once

	drops dropTracker
}

// NewPool creates a pool over the given broker configs. selfID seeds the
// MQTT client ID (spec.md §4.2); dedupCache de-duplicates delivered
// messages across brokers (spec.md §4.3).
func NewPool(configs []Config, selfID, topic string, dedupCache *dedup.Cache, logger logging.LeveledLogger) *Pool {
	p := &Pool{
		logger:   logger,
		selfID:   selfID,
		topic:    topic,
		topics:   make(map[string]bool),
		dedup:    dedupCache,
		shutdown: make(chan struct{}),
	}
	for _, cfg := range configs {
		c := NewClient(cfg.URL, cfg.Username, cfg.Password, logger)
		c.SetHandlers(p.deliver, p.onClientDisconnected)
		p.clients = append(p.clients, c)
	}
	p.drops.flushFn = p.logDropSummary
	go p.drops.flushLoop(p.shutdown)
	return p
}

// SetMessageHandler installs the callback for de-duplicated deliveries.
func (p *Pool) SetMessageHandler(h MessageHandler) { p.onMessage = h }

// SetReconnectHook installs the callback fired after a successful
// reconnect + resubscribe.
func (p *Pool) SetReconnectHook(h ReconnectHook) { p.onReconnect = h }

// ConnectAll opens every client in parallel and returns the URLs that
// connected successfully (spec.md §4.3 "connect_all").
func (p *Pool) ConnectAll(ctx context.Context) []string {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok []string

	for _, c := range p.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.Connect(ctx, p.selfID); err != nil {
				if p.logger != nil {
					p.logger.Warnf("broker connect failed %s: %v", c.URL(), err)
				}
				return
			}
			mu.Lock()
			ok = append(ok, c.URL())
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return ok
}

// SubscribeAll issues a subscribe on every connected client and returns
// the count of successes (spec.md §4.3 "subscribe_all").
func (p *Pool) SubscribeAll(ctx context.Context) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0

	for _, c := range p.clients {
		if !c.Connected() {
			continue
		}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if c.Subscribe(ctx, p.topic) {
				mu.Lock()
				count++
				p.topics[c.URL()] = true
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return count
}

// Publish fans payload out to every connected-and-subscribed client,
// returning the count of successful sends (spec.md §4.3 "publish").
func (p *Pool) Publish(topic string, payload []byte) int {
	count := 0
	for _, c := range p.clients {
		if !c.Connected() || !c.Subscribed() {
			continue
		}
		if c.Publish(topic, payload) {
			count++
		}
	}
	return count
}

// ConnectedCount reports how many clients currently hold an open,
// handshaked connection.
func (p *Pool) ConnectedCount() int {
	n := 0
	for _, c := range p.clients {
		if c.Connected() {
			n++
		}
	}
	return n
}

// deliver is the dedup-aware delivery path shared by every client's
// onMessage callback (spec.md §4.3 "Incoming messages are wrapped in a
// dedup-aware delivery").
func (p *Pool) deliver(topic string, payload []byte) {
	msgID := gjson.GetBytes(payload, "msgId").String()

	if p.dedup != nil && p.dedup.IsDuplicate(msgID) {
		p.drops.record(msgID)
		return
	}

	if p.onMessage != nil {
		p.onMessage(topic, payload)
	}
}

func (p *Pool) logDropSummary(total int, top []dropEntry) {
	if p.logger == nil || total == 0 {
		return
	}
	p.logger.Infof("broker pool: dropped %d duplicate messages, top repeats: %v", total, top)
}

// onClientDisconnected is the unintentional-disconnect hook wired into
// every Client; it guarantees at most one outstanding reconnect goroutine
// per broker (spec.md §9 design note / Open Question resolution).
func (p *Pool) onClientDisconnected(brokerURL string) {
	select {
	case <-p.shutdown:
		return
	default:
	}

	guardVal, _ := p.reconnecting.LoadOrStore(brokerURL, new(boolFlag))
	guard := guardVal.(*boolFlag)
	if !guard.trySet() {
		return // a reconnect goroutine is already in flight for this broker
	}

	c := p.clientFor(brokerURL)
	if c == nil {
		guard.clear()
		return
	}

	go p.reconnectClient(c, guard)
}

func (p *Pool) clientFor(brokerURL string) *Client {
	for _, c := range p.clients {
		if c.URL() == brokerURL {
			return c
		}
	}
	return nil
}

func (p *Pool) reconnectClient(c *Client, guard *boolFlag) {
	defer guard.clear()

	bo := &specExponentialBackoff{base: reconnectBase, max: reconnectMaxDelay}
	wrapped := backoff.WithMaxRetries(bo, reconnectMaxAttempt)

	err := backoff.Retry(func() error {
		select {
		case <-p.shutdown:
			return backoff.Permanent(fmt.Errorf("broker pool shutting down"))
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		if err := c.Connect(ctx, p.selfID); err != nil {
			return err
		}
		if !c.Subscribe(ctx, p.topic) {
			return fmt.Errorf("resubscribe failed for %s", c.URL())
		}
		return nil
	}, wrapped)

	if err != nil {
		if p.logger != nil {
			p.logger.Errorf("broker %s: reconnect exhausted: %v", c.URL(), err)
		}
		return
	}

	if p.logger != nil {
		p.logger.Infof("broker %s: reconnected and resubscribed", c.URL())
	}
	if p.onReconnect != nil {
		p.onReconnect()
	}
}

// Shutdown stops the drop-summary loop and pending reconnects, disconnects
// every client, and closes the dedup cache. Nothing is recreated: the pool
// and its cache are not usable afterwards.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() { close(p.shutdown) })
	for _, c := range p.clients {
		c.Disconnect()
	}
	if p.dedup != nil {
		p.dedup.Close()
	}
}

// boolFlag is a minimal CAS-guarded flag, used to ensure exactly one
// outstanding reconnect goroutine per broker.
type boolFlag struct {
	mu  sync.Mutex
	set bool
}

func (b *boolFlag) trySet() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.set {
		return false
	}
	b.set = true
	return true
}

func (b *boolFlag) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set = false
}

// specExponentialBackoff implements backoff.BackOff reproducing spec.md
// §4.3's exact formula: min(BASE * 2^(attempt-1), MAX_DELAY) + jitter[0..1s].
type specExponentialBackoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (s *specExponentialBackoff) NextBackOff() time.Duration {
	s.attempt++
	delay := s.base * time.Duration(uint64(1)<<uint(minInt(s.attempt-1, 32)))
	if delay > s.max || delay <= 0 {
		delay = s.max
	}
	return delay + jitterUpTo(time.Second)
}

func (s *specExponentialBackoff) Reset() { s.attempt = 0 }

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func jitterUpTo(max time.Duration) time.Duration {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	n := binary.BigEndian.Uint64(buf[:])
	return time.Duration(n % uint64(max))
}

// dropEntry is one (msgID, count) pair in a throttled duplicate summary.
type dropEntry struct {
	id    string
	count int
}

// dropTracker batches duplicate-drop logging: a summary is flushed every
// 15s or after 200 drops, whichever comes first (spec.md §4.3).
type dropTracker struct {
	mu      sync.Mutex
	counts  map[string]int
	total   int
	flushFn func(total int, top []dropEntry)
}

func (d *dropTracker) record(msgID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.counts == nil {
		d.counts = make(map[string]int)
	}
	if msgID != "" {
		d.counts[msgID]++
	}
	d.total++
	if d.total >= dropFlushThreshold {
		d.flushLocked()
	}
}

func (d *dropTracker) flushLocked() {
	if d.total == 0 {
		return
	}
	entries := make([]dropEntry, 0, len(d.counts))
	for id, count := range d.counts {
		entries = append(entries, dropEntry{id, count})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].count > entries[j].count })
	if len(entries) > dropTopDuplicates {
		entries = entries[:dropTopDuplicates]
	}

	total := d.total
	d.total = 0
	d.counts = make(map[string]int)

	if d.flushFn != nil {
		d.flushFn(total, entries)
	}
}

func (d *dropTracker) flushLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(dropFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.mu.Lock()
			d.flushLocked()
			d.mu.Unlock()
		}
	}
}
