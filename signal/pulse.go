package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
)

// PulseStore is a cross-process Store backed directly by goa.design/pulse
// streams over Redis, the same layering as the teacher's stream/pulse
// client: callers own a *redis.Client and PulseStore opens one Pulse stream
// per (session, signal name). Fire publishes an event on that stream; Await
// opens a fresh consumer group and blocks on it, so a waiter running in a
// different process (or worker) than the firing call observes the payload.
// Durability of the waiter record itself (surviving the waiting process's
// own restart) is out of scope here; that requires pairing PulseStore with
// a logstore-backed waiter ledger, noted as an Open Question in DESIGN.md.
type PulseStore struct {
	redis *redis.Client
}

// NewPulseStore constructs a PulseStore over an already-connected Redis
// client.
func NewPulseStore(client *redis.Client) *PulseStore {
	return &PulseStore{redis: client}
}

func streamName(sessionID, name string) string {
	return fmt.Sprintf("lars-signal-%s-%s", sessionID, name)
}

// Await subscribes to the signal's stream and blocks for the first event,
// the timeout, or ctx cancellation.
func (p *PulseStore) Await(ctx context.Context, sessionID, name string, timeout time.Duration) (map[string]any, string, error) {
	stream, err := streaming.NewStream(streamName(sessionID, name), p.redis)
	if err != nil {
		return nil, "", fmt.Errorf("signal: pulse: opening stream: %w", err)
	}
	defer stream.Destroy(ctx)

	sink, err := stream.NewSink(ctx, "await-"+name)
	if err != nil {
		return nil, "", fmt.Errorf("signal: pulse: subscribing: %w", err)
	}
	defer sink.Close(ctx)

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	ch := sink.Subscribe()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil, "", fmt.Errorf("signal: pulse: subscription closed")
			}
			var payload map[string]any
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				return nil, "", fmt.Errorf("signal: pulse: decoding payload: %w", err)
			}
			_ = sink.Ack(ctx, ev)
			return payload, string(StatusFired), nil
		case <-timeoutCh:
			return nil, string(StatusTimeout), nil
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

// Fire publishes payload on the signal's stream. Bare Pulse streams have no
// primitive to count live subscribers, so the reported fired_count is 1 on
// a successful publish and 0 on failure, rather than an exact delivered-to
// count as MemStore reports; a deployment that needs an exact count should
// pair PulseStore with a sink-registration ledger.
func (p *PulseStore) Fire(ctx context.Context, sessionID, name string, payload map[string]any) (int, error) {
	stream, err := streaming.NewStream(streamName(sessionID, name), p.redis)
	if err != nil {
		return 0, fmt.Errorf("signal: pulse: opening stream: %w", err)
	}
	defer stream.Destroy(ctx)

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	if _, err := stream.Add(ctx, "fire", raw); err != nil {
		return 0, err
	}
	return 1, nil
}

// List is not meaningfully implementable against bare Pulse streams
// (Pulse has no query-by-prefix primitive); a deployment that needs List
// should pair PulseStore with a logstore-backed waiter ledger. Returning an
// empty slice rather than an error keeps the cancel_signal/list_signals
// traits usable in a degraded mode instead of failing the whole cell.
func (p *PulseStore) List(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

// Cancel is a no-op against bare Pulse streams: it publishes nothing and
// returns nil, so an in-flight Await is not unblocked by it. Returning nil
// keeps cancel_signal from failing the cell on an unsupported operation.
func (p *PulseStore) Cancel(_ context.Context, _, _ string) error {
	return nil
}
