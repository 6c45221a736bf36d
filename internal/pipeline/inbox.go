// Package pipeline feeds agent messages from an external queue into the orchestrator.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"codeguard/internal/logger"
	"codeguard/internal/metrics"
	"codeguard/internal/orchestrator"
	"codeguard/pkg/models"
)

// Source pops raw messages. It returns nil, nil when no message arrived in time.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// Router delivers a decoded message. orchestrator.Orchestrator implements it.
type Router interface {
	RouteMessage(ctx context.Context, msg models.AgentMessage) (orchestrator.Delivery, error)
}

// Inbox consumes queued agent messages, routes them and batches replies.
type Inbox struct {
	source        Source
	router        Router
	replies       ReplyWriter
	metrics       *metrics.Metrics
	workers       int
	batchSize     int
	flushInterval time.Duration
	routeTimeout  time.Duration
}

// NewInbox creates an inbox pipeline. replies may be nil.
func NewInbox(source Source, router Router, replies ReplyWriter, m *metrics.Metrics, workers, batchSize int, flushInterval time.Duration) *Inbox {
	return &Inbox{
		source:        source,
		router:        router,
		replies:       replies,
		metrics:       m,
		workers:       workers,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		routeTimeout:  30 * time.Second,
	}
}

// Run starts the pipeline and blocks until ctx ends and in-flight work drains.
func (p *Inbox) Run(ctx context.Context) error {
	logger.Infof("Inbox pipeline started")

	if p.workers <= 0 {
		p.workers = 4
	}
	if p.batchSize <= 0 {
		p.batchSize = 100
	}
	if p.flushInterval <= 0 {
		p.flushInterval = time.Second
	}

	msgCh := make(chan []byte, p.workers*4)
	replyCh := make(chan models.AgentMessage, p.workers*4)

	var readers, workers, writers sync.WaitGroup

	readers.Add(1)
	go func() {
		defer readers.Done()
		p.readLoop(ctx, msgCh)
		close(msgCh)
	}()

	for i := 0; i < p.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.workerLoop(ctx, msgCh, replyCh)
		}()
	}

	writers.Add(1)
	go func() {
		defer writers.Done()
		p.writeLoop(replyCh)
	}()

	readers.Wait()
	workers.Wait()
	close(replyCh)
	writers.Wait()
	logger.Infof("Inbox pipeline stopped")
	return ctx.Err()
}

// Close releases the source and reply writer.
func (p *Inbox) Close() error {
	if p.replies != nil {
		if err := p.replies.Close(); err != nil {
			logger.Errorf("Failed to close reply writer: %v", err)
		}
	}
	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

func (p *Inbox) readLoop(ctx context.Context, out chan<- []byte) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := p.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop inbox message: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			continue
		}
		select {
		case out <- payload:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Inbox) workerLoop(ctx context.Context, in <-chan []byte, out chan<- models.AgentMessage) {
	for payload := range in {
		var msg models.AgentMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Warnf("Failed to decode inbox message: %v", err)
			p.metrics.Inbox(err)
			continue
		}

		routeCtx, cancel := context.WithTimeout(ctx, p.routeTimeout)
		delivery, err := p.router.RouteMessage(routeCtx, msg)
		cancel()
		p.metrics.Inbox(err)
		if err != nil {
			logger.Warnf("Failed to route inbox message %s to %s: %v", msg.ID, msg.To, err)
		}

		if p.replies == nil {
			continue
		}
		if reply, ok := replyFor(msg, delivery, err); ok {
			out <- reply
		}
	}
}

// replyFor builds a result message for requests that carry an id.
func replyFor(msg models.AgentMessage, d orchestrator.Delivery, routeErr error) (models.AgentMessage, bool) {
	correlation := msg.CorrelationID
	if correlation == "" {
		correlation = msg.ID
	}
	if correlation == "" || msg.Kind != models.KindTask {
		return models.AgentMessage{}, false
	}

	result := &models.ResultPayload{Success: routeErr == nil && d.Delivered}
	switch {
	case routeErr != nil:
		result.Error = routeErr.Error()
	case !d.Delivered:
		result.Error = d.Reason
	case d.Result != nil:
		if data, err := json.Marshal(d.Result); err == nil {
			result.Data = data
		}
	}

	from := msg.To
	if from == "" {
		from = models.ActorOrchestrator
	}
	reply := models.NewMessage(models.KindResult, from, msg.From, result)
	reply.CorrelationID = correlation
	return reply, true
}

func (p *Inbox) writeLoop(in <-chan models.AgentMessage) {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	var batch []models.AgentMessage
	flush := func() {
		if len(batch) == 0 || p.replies == nil {
			batch = nil
			return
		}
		if err := p.replies.WriteReplies(batch); err != nil {
			logger.Errorf("Failed to write %d inbox replies: %v", len(batch), err)
		}
		batch = nil
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case reply, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, reply)
			if len(batch) >= p.batchSize {
				flush()
			}
		}
	}
}
