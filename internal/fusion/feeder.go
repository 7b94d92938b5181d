package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/amoskys/amoskys/internal/clock"
	"github.com/amoskys/amoskys/internal/eventstore"
	"github.com/amoskys/amoskys/internal/logging"
	"github.com/amoskys/amoskys/internal/metrics"
)

// feedPageSize bounds one poll of the bus read API.
const feedPageSize = 500

// feedPollInterval is the pause between polls when the feed is drained.
const feedPollInterval = 2 * time.Second

// skewTolerance matches the bus's flagging threshold: events whose agent
// timestamp sits further than this from the bus receive time get a
// "skewed" attribute before ingestion.
const skewTolerance = 5 * time.Minute

// Feeder pages the bus's event feed into the engine. The event store is
// single-process, so the fusion daemon reads through the bus's HTTP read
// API instead of opening the database file.
type Feeder struct {
	baseURL string
	engine  *Engine
	log     *logging.Logger
	clk     clock.Clock
	client  *http.Client
	since   uint64
}

// NewFeeder creates a feeder polling the bus read API at baseURL.
func NewFeeder(baseURL string, engine *Engine, log *logging.Logger, clk clock.Clock) *Feeder {
	return &Feeder{
		baseURL: baseURL,
		engine:  engine,
		log:     log,
		clk:     clk,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Replay fetches the last window of events and warms the engine's
// device windows, then positions the feed cursor past them.
func (f *Feeder) Replay(ctx context.Context, window time.Duration) error {
	cutoff := f.clk.Now().Add(-window)
	var views []TelemetryEventView
	for {
		page, err := f.fetch(ctx, f.since, feedPageSize)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, ev := range page {
			f.since = ev.Seq
			if ev.ReceivedAt.Before(cutoff) {
				continue
			}
			views = append(views, f.toView(ev))
		}
	}
	f.engine.WarmStart(views)
	return nil
}

// Run polls the feed until ctx is cancelled, ingesting every new event.
func (f *Feeder) Run(ctx context.Context) error {
	for {
		page, err := f.fetch(ctx, f.since, feedPageSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("event feed poll failed", "err", err)
		}
		for _, ev := range page {
			f.since = ev.Seq
			f.engine.Ingest(f.toView(ev))
		}
		if len(page) == feedPageSize {
			continue // more waiting, poll again immediately
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.clk.After(feedPollInterval):
		}
	}
}

func (f *Feeder) fetch(ctx context.Context, since uint64, limit int) ([]eventstore.StoredEvent, error) {
	url := fmt.Sprintf("%s/events?since=%d&limit=%d", f.baseURL, since, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("event feed returned %s", resp.Status)
	}
	var page []eventstore.StoredEvent
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode event feed: %w", err)
	}
	return page, nil
}

// toView projects a stored event, tagging it when the agent clock
// disagrees with the bus receive time beyond tolerance.
func (f *Feeder) toView(ev eventstore.StoredEvent) TelemetryEventView {
	v := FromEnvelope(ev.Envelope)
	if d := ev.ReceivedAt.Sub(v.Timestamp); d > skewTolerance || d < -skewTolerance {
		attrs := make(map[string]string, len(v.Attributes)+1)
		for k, val := range v.Attributes {
			attrs[k] = val
		}
		attrs["skewed"] = "true"
		v.Attributes = attrs
		metrics.ClockSkew.Inc()
	}
	return v
}
