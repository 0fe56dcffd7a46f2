// Package asyncjob deduplicates slow side-effecting work triggered by
// repeated or concurrent web requests: confirmation e-mails and SMTP
// reachability probes. For a given key at most one producer runs; all
// callers observe the same Running/Done/Failed outcome until a caller
// consumes the terminal state, after which the key is free again.
package asyncjob

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle phase of a keyed job
type State int

const (
	StateRunning State = iota
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Observation is a caller-visible snapshot of a job
type Observation struct {
	State State
	Value string
	Err   error
}

// Terminal reports whether the observation is Done or Failed
func (o Observation) Terminal() bool {
	return o.State != StateRunning
}

// Producer performs the slow work for one key. Producers must be
// time-bounded: the cache cancels ctx after the configured timeout,
// and a producer that ignores it would leave its key Running forever.
type Producer func(ctx context.Context) (string, error)

type entry struct {
	state State
	value string
	err   error
}

// Metrics receives cache events; nil-safe via the noop implementation
type Metrics interface {
	ProducerStarted(key string)
	DedupHit(key string)
	ProducerFailed(key string)
}

type noopMetrics struct{}

func (noopMetrics) ProducerStarted(string) {}
func (noopMetrics) DedupHit(string)        {}
func (noopMetrics) ProducerFailed(string)  {}

// Cache is the single-flight async result cache
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	sem     chan struct{}
	timeout time.Duration
	logger  *slog.Logger
	metrics Metrics

	// wg tracks producer goroutines so Close can drain them
	wg      sync.WaitGroup
	closeCh chan struct{}
}

// New creates a Cache. maxWorkers bounds concurrent producers across
// all keys; timeout is the outer deadline applied to every producer.
func New(maxWorkers int, timeout time.Duration, logger *slog.Logger) *Cache {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Cache{
		entries: make(map[string]*entry),
		sem:     make(chan struct{}, maxWorkers),
		timeout: timeout,
		logger:  logger,
		metrics: noopMetrics{},
		closeCh: make(chan struct{}),
	}
}

// SetMetrics installs a metrics sink. Call before serving traffic.
func (c *Cache) SetMetrics(m Metrics) {
	if m != nil {
		c.metrics = m
	}
}

// GetOrStart returns the current observation for key, creating the
// entry and starting producer exactly once if no entry exists. The
// create-if-absent check and the entry insertion happen under one
// lock acquisition, so two concurrent callers can never both start a
// producer for the same key.
func (c *Cache) GetOrStart(key string, producer Producer) Observation {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		obs := Observation{State: e.state, Value: e.value, Err: e.err}
		c.mu.Unlock()
		c.metrics.DedupHit(key)
		return obs
	}

	e := &entry{state: StateRunning}
	c.entries[key] = e
	c.mu.Unlock()

	c.metrics.ProducerStarted(key)
	c.wg.Add(1)
	go c.run(key, producer)

	return Observation{State: StateRunning}
}

// run executes the producer for key and records its terminal state
func (c *Cache) run(key string, producer Producer) {
	defer c.wg.Done()

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-c.closeCh:
		c.finish(key, "", context.Canceled)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	value, err := producer(ctx)
	if err != nil {
		c.logger.Warn("background job failed",
			"key", key,
			"duration", time.Since(start),
			"error", err,
		)
		c.metrics.ProducerFailed(key)
	} else {
		c.logger.Debug("background job finished",
			"key", key,
			"duration", time.Since(start),
		)
	}

	c.finish(key, value, err)
}

// finish transitions the entry for key from Running to a terminal
// state. The entry may already be gone if Close raced a shutdown.
func (c *Cache) finish(key, value string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.state != StateRunning {
		return
	}
	if err != nil {
		e.state = StateFailed
		e.err = err
	} else {
		e.state = StateDone
		e.value = value
	}
}

// Consume atomically removes and returns a terminal entry for key.
// Running entries are left in place (false). After a successful
// consume the key behaves as if it never existed, so a later
// GetOrStart legitimately starts a fresh producer.
func (c *Cache) Consume(key string) (Observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.state == StateRunning {
		return Observation{}, false
	}

	delete(c.entries, key)
	return Observation{State: e.state, Value: e.value, Err: e.err}, true
}

// Peek returns the observation for key without consuming it
func (c *Cache) Peek(key string) (Observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Observation{}, false
	}
	return Observation{State: e.state, Value: e.value, Err: e.err}, true
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops admitting queued producers and waits for running ones
func (c *Cache) Close() {
	close(c.closeCh)
	c.wg.Wait()
}
