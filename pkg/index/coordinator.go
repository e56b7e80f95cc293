// Copyright 2025 LedgerVault Project
//
// Indexing Coordinator - per-block exclusive indexing. For each block
// number at most one indexing task runs at a time; concurrent attempts are
// serialized in FIFO order by a fair semaphore and re-check inside the
// critical section whether the block is already indexed. A dedicated
// executor goroutine drains asynchronous submissions so indexing order is
// sequential per process.

package index

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
	"github.com/ledgervault/ledgervault/pkg/ledger"
	"github.com/ledgervault/ledgervault/pkg/logging"
	"github.com/ledgervault/ledgervault/pkg/metrics"
)

const submitQueueSize = 4096

// Coordinator serializes indexing per block and owns the async executor
type Coordinator struct {
	indexer *Indexer
	store   ledger.IndexStore
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu   sync.Mutex
	sems map[uint64]*fairSemaphore

	inFlight atomic.Int64
	closed   atomic.Bool
	closeMu  sync.RWMutex

	tasks chan *ledger.Block
	done  chan struct{}
}

// NewCoordinator creates a coordinator and starts its executor
func NewCoordinator(indexer *Indexer, store ledger.IndexStore, m *metrics.Metrics, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Coordinator{
		indexer: indexer,
		store:   store,
		metrics: m,
		logger:  logger.WithComponent("indexing"),
		sems:    make(map[uint64]*fairSemaphore),
		tasks:   make(chan *ledger.Block, submitQueueSize),
		done:    make(chan struct{}),
	}
	go c.loop()
	return c
}

// Submit enqueues asynchronous indexing of a block. The in-flight counter
// is incremented before the task is handed to the executor so waiting for
// completion is deterministic.
func (c *Coordinator) Submit(b *ledger.Block) error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()

	if c.closed.Load() {
		return lverrors.New(lverrors.ErrorCodeIndexingFailed,
			"indexing coordinator is shut down")
	}
	c.inFlight.Add(1)
	if c.metrics != nil {
		c.metrics.IndexingInFlight.Inc()
	}
	c.tasks <- b
	return nil
}

// IndexBlockNow runs indexing for a block synchronously under the same
// per-block exclusion as the executor.
func (c *Coordinator) IndexBlockNow(ctx context.Context, b *ledger.Block) error {
	return c.indexExclusive(ctx, b)
}

// InFlight returns the number of submitted tasks not yet finished
func (c *Coordinator) InFlight() int64 {
	return c.inFlight.Load()
}

// WaitForCompletion blocks until every submitted task has finished or the
// timeout elapses.
func (c *Coordinator) WaitForCompletion(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.inFlight.Load() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return lverrors.Newf(lverrors.ErrorCodeIndexingFailed,
				"%d indexing tasks still in flight after %s", c.inFlight.Load(), timeout)
		}
		<-ticker.C
	}
}

// Shutdown refuses new submissions, waits for in-flight tasks, then stops
// the executor.
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.WaitForCompletion(timeout)
	c.closeMu.Lock()
	close(c.tasks)
	c.closeMu.Unlock()
	<-c.done
	return err
}

func (c *Coordinator) loop() {
	for b := range c.tasks {
		func() {
			defer func() {
				c.inFlight.Add(-1)
				if c.metrics != nil {
					c.metrics.IndexingInFlight.Dec()
				}
			}()
			if err := c.indexExclusive(context.Background(), b); err != nil {
				if c.metrics != nil {
					c.metrics.IndexingFailures.Inc()
				}
				c.logger.WithError(err).Error("Indexing failed",
					"block_number", b.Number)
			}
		}()
	}
	close(c.done)
}

// indexExclusive acquires the block's fair semaphore, re-checks whether the
// block is already indexed, and indexes it if not.
func (c *Coordinator) indexExclusive(ctx context.Context, b *ledger.Block) error {
	sem := c.semFor(b.Number)
	sem.Acquire()
	defer sem.Release()

	if _, err := c.store.IndexEntryByBlock(ctx, b.Number); err == nil {
		return nil
	} else if !errors.Is(err, ledger.ErrIndexEntryNotFound) {
		return lverrors.Wrapf(err, lverrors.ErrorCodeIndexingFailed,
			"check index entry for block %d", b.Number)
	}

	if err := c.indexer.IndexBlock(ctx, b); err != nil {
		return lverrors.Wrapf(err, lverrors.ErrorCodeIndexingFailed,
			"index block %d", b.Number)
	}
	if c.metrics != nil {
		c.metrics.BlocksIndexed.Inc()
	}
	return nil
}

func (c *Coordinator) semFor(number uint64) *fairSemaphore {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.sems[number]
	if !ok {
		sem = &fairSemaphore{}
		c.sems[number] = sem
	}
	return sem
}

// fairSemaphore is a binary semaphore that wakes waiters in FIFO order.
type fairSemaphore struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func (s *fairSemaphore) Acquire() {
	s.mu.Lock()
	if !s.held {
		s.held = true
		s.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()
	<-ch
}

func (s *fairSemaphore) Release() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		// Hand the semaphore to the oldest waiter; held stays true.
		ch := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		close(ch)
		return
	}
	s.held = false
	s.mu.Unlock()
}
