package quorum

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fedmesh/pkg/telemetry"
	"fedmesh/pkg/types"
)

const (
	retryBaseDelay  = 2 * time.Second
	retryMaxDelay   = 2 * time.Minute
	retryMaxAttempt = 6
	retrySweep      = time.Second
)

type retryEntry struct {
	endpoint string
	record   types.RendezvousRecord
	attempt  int
	nextTry  time.Time
}

// retryQueue re-delivers replica writes that missed the synchronous
// fan-out, with exponential backoff per entry. Entries that exhaust
// their attempts are dropped; anti-entropy and read repair are the
// backstop after that.
type retryQueue struct {
	coord   *Coordinator
	clock   clock.Clock
	logger  *zap.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	entries []retryEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newRetryQueue(coord *Coordinator, clk clock.Clock, logger *zap.Logger, metrics *telemetry.Metrics) *retryQueue {
	return &retryQueue{
		coord:   coord,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
}

func (q *retryQueue) start() {
	q.wg.Add(1)
	go q.run()
}

func (q *retryQueue) stop() {
	close(q.stopCh)
	q.wg.Wait()
}

func (q *retryQueue) run() {
	defer q.wg.Done()
	ticker := q.clock.Ticker(retrySweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.flush()
		case <-q.stopCh:
			return
		}
	}
}

// add queues a record for re-delivery. An existing entry for the same
// endpoint, hash and peer is replaced so only the newest version retries.
func (q *retryQueue) add(endpoint string, rec types.RendezvousRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := q.clock.Now().Add(retryBaseDelay)
	for i, e := range q.entries {
		if e.endpoint == endpoint && e.record.Hash == rec.Hash && e.record.PeerID == rec.PeerID {
			q.entries[i].record = rec
			q.entries[i].nextTry = next
			return
		}
	}
	q.entries = append(q.entries, retryEntry{endpoint: endpoint, record: rec, nextTry: next})
}

// flush attempts every due entry once. Successes and exhausted entries
// leave the queue; the rest back off.
func (q *retryQueue) flush() {
	now := q.clock.Now()

	q.mu.Lock()
	var due, waiting []retryEntry
	for _, e := range q.entries {
		if e.nextTry.After(now) {
			waiting = append(waiting, e)
		} else {
			due = append(due, e)
		}
	}
	q.entries = waiting
	q.mu.Unlock()

	for _, e := range due {
		if e.record.Expired(now) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), q.coord.cfg.OperationTimeout.Std())
		err := q.coord.client.StoreRecord(ctx, e.endpoint, e.record)
		cancel()
		if err == nil {
			q.logger.Debug("replica retry delivered",
				zap.String("endpoint", e.endpoint), zap.String("hash", string(e.record.Hash)))
			continue
		}

		e.attempt++
		if e.attempt >= retryMaxAttempt {
			q.metrics.ReplicaRetryDropped.Inc()
			q.logger.Warn("replica retry exhausted",
				zap.String("endpoint", e.endpoint),
				zap.String("hash", string(e.record.Hash)),
				zap.Int("attempts", e.attempt))
			continue
		}
		delay := retryBaseDelay << uint(e.attempt)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		e.nextTry = now.Add(delay)
		q.mu.Lock()
		q.entries = append(q.entries, e)
		q.mu.Unlock()
	}
}

// pending reports the queue depth, for tests and status output.
func (q *retryQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// PendingRetries reports how many replica writes await re-delivery.
func (c *Coordinator) PendingRetries() int {
	return c.retry.pending()
}
