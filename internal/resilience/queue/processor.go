// Package queue drains durably persisted requests once their target
// service recovers. Items survive process restarts; delivery order is
// oldest-first per eligibility window.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicepipe/voicepipe/internal/resilience/queue/storage"
)

// Handler replays a queued request against its service. A nil return marks
// the item completed; an error consumes one retry.
type Handler func(ctx context.Context, method string, payload, metadata map[string]any) error

// Options tunes the drain loop.
type Options struct {
	// Interval between drain passes. Defaults to 30 seconds.
	Interval time.Duration

	// BatchSize bounds how many items a single pass picks up.
	// Defaults to 10.
	BatchSize int
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
}

// Processor periodically drains eligible items from a store, dispatching
// each to the handler registered for its service.
type Processor struct {
	store storage.Store
	opts  Options

	mu       sync.RWMutex
	handlers map[string]Handler

	draining atomic.Bool
}

// NewProcessor wires a processor to its backing store. Handlers are
// registered separately before Run.
func NewProcessor(store storage.Store, opts Options) (*Processor, error) {
	if store == nil {
		return nil, errors.New("queue: store is required")
	}
	opts.setDefaults()
	return &Processor{
		store:    store,
		opts:     opts,
		handlers: make(map[string]Handler),
	}, nil
}

// RegisterHandler installs the replay handler for a service name.
func (p *Processor) RegisterHandler(service string, h Handler) error {
	if service == "" {
		return errors.New("queue: service name is required")
	}
	if h == nil {
		return errors.New("queue: handler is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[service]; ok {
		return fmt.Errorf("queue: handler already registered for %q", service)
	}
	p.handlers[service] = h
	return nil
}

func (p *Processor) handler(service string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[service]
	return h, ok
}

// Run requeues items stranded mid-flight by a previous crash, then drains
// on a fixed interval until ctx is canceled.
func (p *Processor) Run(ctx context.Context) error {
	reclaimed, err := p.store.ReclaimStuck(ctx)
	if err != nil {
		return fmt.Errorf("reclaim stuck items: %w", err)
	}
	if reclaimed > 0 {
		log.Printf("queue: requeued %d items left processing by previous run", reclaimed)
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("queue: drain pass: %v", err)
			}
		}
	}
}

// ProcessOnce runs a single drain pass. If a previous pass is still in
// flight the call logs and returns without touching the store, so a slow
// handler never stacks concurrent passes.
func (p *Processor) ProcessOnce(ctx context.Context) error {
	if !p.draining.CompareAndSwap(false, true) {
		log.Printf("queue: drain pass still running, skipping")
		return nil
	}
	defer p.draining.Store(false)

	items, err := p.store.DequeueEligible(ctx, p.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("dequeue eligible items: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.processItem(ctx, item)
	}
	return nil
}

// processItem dispatches one item. Store bookkeeping failures are logged
// rather than returned: a broken status update must not stall the pass.
func (p *Processor) processItem(ctx context.Context, item storage.Item) {
	h, ok := p.handler(item.Service)
	if !ok {
		msg := fmt.Sprintf("no handler registered for service %q", item.Service)
		log.Printf("queue: item %d: %s", item.ID, msg)
		if err := p.store.MarkFailedPermanent(ctx, item.ID, msg); err != nil {
			log.Printf("queue: item %d: mark permanently failed: %v", item.ID, err)
		}
		return
	}

	if err := p.store.MarkProcessing(ctx, item.ID); err != nil {
		log.Printf("queue: item %d: mark processing: %v", item.ID, err)
		return
	}

	if err := h(ctx, item.Method, item.Payload, item.Metadata); err != nil {
		log.Printf("queue: item %d: replay %s.%s: %v", item.ID, item.Service, item.Method, err)
		if err := p.store.MarkFailed(ctx, item.ID, err.Error()); err != nil {
			log.Printf("queue: item %d: mark failed: %v", item.ID, err)
		}
		return
	}

	if err := p.store.MarkCompleted(ctx, item.ID); err != nil {
		log.Printf("queue: item %d: mark completed: %v", item.ID, err)
	}
}

// Stats reports item counts per status.
func (p *Processor) Stats(ctx context.Context) (map[storage.Status]int, error) {
	return p.store.Stats(ctx)
}
