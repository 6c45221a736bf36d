package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"codeguard/internal/actor"
	"codeguard/internal/logger"
	"codeguard/pkg/models"
)

// Subscriber is a non-owning handle to a live stream connection.
type Subscriber interface {
	Send(ctx context.Context, frame []byte) error
}

// BroadcastResult reports one fan-out pass.
type BroadcastResult struct {
	Delivered int `json:"delivered"`
	Pruned    int `json:"pruned"`
}

// RegisterSubscriber adds s to the live set.
func (o *Orchestrator) RegisterSubscriber(ctx context.Context, s Subscriber) error {
	if s == nil {
		return fmt.Errorf("%w: nil subscriber", models.ErrValidation)
	}
	return o.mailbox.Do(ctx, func(ctx context.Context) error {
		for _, existing := range o.subscribers {
			if existing == s {
				return nil
			}
		}
		o.subscribers = append(o.subscribers, s)
		o.deps.Metrics.SubscriberCount(len(o.subscribers))
		logger.Infof("Subscriber registered, %d live", len(o.subscribers))
		return nil
	})
}

// RemoveSubscriber drops s from the live set. Removing an unknown subscriber is a no-op.
func (o *Orchestrator) RemoveSubscriber(ctx context.Context, s Subscriber) error {
	err := o.mailbox.Do(ctx, func(ctx context.Context) error {
		o.remove(s)
		return nil
	})
	if errors.Is(err, actor.ErrStopped) {
		return nil
	}
	return err
}

func (o *Orchestrator) remove(s Subscriber) {
	for i, existing := range o.subscribers {
		if existing == s {
			o.subscribers = append(o.subscribers[:i], o.subscribers[i+1:]...)
			o.deps.Metrics.SubscriberCount(len(o.subscribers))
			return
		}
	}
}

// Broadcast sends evt to every live subscriber and waits for the pass to finish.
func (o *Orchestrator) Broadcast(ctx context.Context, evt models.Event) (BroadcastResult, error) {
	return actor.Call(ctx, o.mailbox, func(ctx context.Context) (BroadcastResult, error) {
		return o.broadcast(ctx, evt), nil
	})
}

// Publish queues a broadcast without waiting. The response actor uses it for
// incident events so it never blocks on the orchestrator.
func (o *Orchestrator) Publish(evt models.Event) {
	if err := o.mailbox.Post(func(ctx context.Context) { o.broadcast(ctx, evt) }); err != nil {
		logger.Warnf("Dropping %s event: %v", evt.Type, err)
	}
}

// broadcast serializes evt once and sends it to all subscribers concurrently,
// each send bounded by the send timeout. Subscribers whose send fails are
// removed in the same pass.
func (o *Orchestrator) broadcast(ctx context.Context, evt models.Event) BroadcastResult {
	frame, err := json.Marshal(evt)
	if err != nil {
		logger.Errorf("Failed to encode %s event: %v", evt.Type, err)
		return BroadcastResult{}
	}

	subs := o.subscribers
	failed := make([]error, len(subs))
	var g errgroup.Group
	for i, s := range subs {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
			defer cancel()
			failed[i] = s.Send(sendCtx, frame)
			return nil
		})
	}
	_ = g.Wait()

	kept := make([]Subscriber, 0, len(subs))
	res := BroadcastResult{}
	for i, s := range subs {
		if failed[i] != nil {
			logger.Warnf("Removing subscriber after failed %s send: %v", evt.Type, failed[i])
			res.Pruned++
			continue
		}
		kept = append(kept, s)
		res.Delivered++
	}
	o.subscribers = kept
	o.deps.Metrics.Broadcast(res.Pruned, len(kept))

	for _, sink := range o.deps.Sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
		if err := sink.WriteEvent(sinkCtx, evt); err != nil {
			logger.Warnf("Event sink rejected %s event: %v", evt.Type, err)
		}
		cancel()
	}
	return res
}
