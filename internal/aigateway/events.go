package aigateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// minEventInterval is the default per-symbol spacing for non-critical events
	minEventInterval = 60 * time.Second

	// batchFlushSize and batchFlushAge trigger a LOW-priority batch flush
	batchFlushSize = 5
	batchFlushAge  = 10 * time.Second

	// Per-event-type significance thresholds
	minPriceChangePct = 1.0
	minVolumeRatio    = 2.0
	minVolatility     = 0.02
)

type eventBatch struct {
	events    []*MarketEvent
	createdAt time.Time
}

// eventGate is the pre-sampling filter for event-driven calls
type eventGate struct {
	mu        sync.Mutex
	lastEvent map[string]time.Time
	batches   map[string]*eventBatch
	now       func() time.Time
}

func newEventGate() *eventGate {
	return &eventGate{
		lastEvent: make(map[string]time.Time),
		batches:   make(map[string]*eventBatch),
		now:       time.Now,
	}
}

// significant applies the per-event-type thresholds over event data
func significant(evt *MarketEvent) bool {
	switch evt.EventType {
	case EventPriceChange:
		change, ok := numeric(evt.Data["price_change_percent"])
		return ok && math.Abs(change) >= minPriceChangePct
	case EventVolumeSpike:
		ratio, ok := numeric(evt.Data["volume_ratio"])
		return ok && ratio >= minVolumeRatio
	case EventHighVolatility:
		vol, ok := numeric(evt.Data["volatility"])
		return ok && vol >= minVolatility
	default:
		return true
	}
}

// offer decides what happens to a non-critical event: pass, gate, or batch.
// When a LOW batch flushes, the accumulated events are returned.
type gateVerdict int

const (
	gatePass gateVerdict = iota
	gateInterval
	gateThreshold
	gateBatched
	gateFlush
)

func (g *eventGate) offer(evt *MarketEvent) (gateVerdict, []*MarketEvent) {
	if !significant(evt) {
		return gateThreshold, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	if evt.Priority == EventPriorityLow {
		b, ok := g.batches[evt.Symbol]
		if !ok {
			b = &eventBatch{createdAt: now}
			g.batches[evt.Symbol] = b
		}
		b.events = append(b.events, evt)

		if len(b.events) >= batchFlushSize || now.Sub(b.createdAt) >= batchFlushAge {
			delete(g.batches, evt.Symbol)
			g.lastEvent[evt.Symbol] = now
			return gateFlush, b.events
		}
		return gateBatched, nil
	}

	if last, ok := g.lastEvent[evt.Symbol]; ok && now.Sub(last) < minEventInterval {
		return gateInterval, nil
	}
	g.lastEvent[evt.Symbol] = now
	return gatePass, nil
}

// CallAIWithEvent gates a market-event-driven call before sampling.
// CRITICAL events always reach CallAI; LOW events accumulate per symbol and
// one call processes the whole batch on flush.
func (s *Service) CallAIWithEvent(ctx context.Context, evt *MarketEvent, req CallRequest) (*CallResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if evt == nil {
		return nil, fmt.Errorf("event is required")
	}

	if evt.Priority == EventPriorityCritical {
		return s.CallAI(ctx, req)
	}

	verdict, batched := s.gate.offer(evt)
	switch verdict {
	case gatePass:
		return s.CallAI(ctx, req)

	case gateFlush:
		summary, err := json.Marshal(batched)
		if err != nil {
			return nil, fmt.Errorf("marshal event batch: %w", err)
		}
		flushReq := req
		flushReq.Prompt = fmt.Sprintf("%s\n\nBatched events for %s:\n%s", req.Prompt, evt.Symbol, summary)
		return s.CallAI(ctx, flushReq)

	case gateBatched:
		s.prom.AICallsSaved.Inc()
		return s.fallback(ctx, req, cacheQuery(req), "event_batched")

	case gateInterval:
		s.prom.AICallsSaved.Inc()
		return s.fallback(ctx, req, cacheQuery(req), "too_soon_event")

	default:
		s.prom.AICallsSaved.Inc()
		return s.fallback(ctx, req, cacheQuery(req), "event_below_threshold")
	}
}
