package workflow

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

const persistTimeout = 5 * time.Second

// persister runs journal writes on a dedicated goroutine behind a bounded
// queue. Persistence is best-effort: a failed or dropped write is logged and
// never propagates back into the unit of work that produced it.
type persister struct {
	mu     sync.Mutex
	queue  chan func(context.Context)
	closed bool
	done   chan struct{}
}

func newPersister(depth int) *persister {
	if depth <= 0 {
		depth = 64
	}
	p := &persister{
		queue: make(chan func(context.Context), depth),
		done:  make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *persister) loop() {
	defer close(p.done)
	for op := range p.queue {
		p.run(op)
	}
}

func (p *persister) run(op func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Workflow] Persister op panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	op(ctx)
}

// enqueue hands op to the persister goroutine. When the queue is full or the
// persister has been closed the op is dropped with a logged event.
func (p *persister) enqueue(op func(context.Context)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		logEvent("persist_dropped", map[string]interface{}{"reason": "closed"})
		return
	}
	select {
	case p.queue <- op:
	default:
		logEvent("persist_dropped", map[string]interface{}{"reason": "queue_full"})
	}
}

// close stops accepting ops, drains the queue, and waits for the goroutine
// to exit.
func (p *persister) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

// logEvent emits a structured JSON log line for machine-readable events.
func logEvent(eventType string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"event": eventType,
	}
	for k, v := range fields {
		entry[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[Workflow] Failed to marshal log event: %v", err)
		return
	}
	log.Printf("[Workflow] %s", data)
}
