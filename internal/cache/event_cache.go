// Package cache keeps read-mostly event summaries in Redis.  Every write
// path that changes an event's counters or status calls Invalidate, so
// the cache never serves a summary older than the last committed change
// for longer than one in-flight read.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tempandmajor/commonly-sub010/internal/logging"
	"github.com/tempandmajor/commonly-sub010/internal/metrics"
	"github.com/tempandmajor/commonly-sub010/internal/model"
)

// Summary is the public view of an event.
type Summary struct {
	ID               uint64              `json:"id"`
	OrganizerID      uint64              `json:"organizer_id"`
	Title            string              `json:"title"`
	TotalCapacity    uint32              `json:"total_capacity"`
	Available        uint32              `json:"available"`
	Reserved         uint32              `json:"reserved"`
	Sold             uint32              `json:"sold"`
	TicketPriceCents int64               `json:"ticket_price_cents"`
	FundingGoalCents int64               `json:"funding_goal_cents"`
	PledgedCents     int64               `json:"pledged_cents"`
	PledgeDeadline   time.Time           `json:"pledge_deadline"`
	FundingStatus    model.FundingStatus `json:"funding_status"`
	SettledAt        *time.Time          `json:"settled_at,omitempty"`
}

// SummaryOf builds the summary of e.
func SummaryOf(e model.Event) Summary {
	return Summary{
		ID:               e.ID,
		OrganizerID:      e.OrganizerID,
		Title:            e.Title,
		TotalCapacity:    e.TotalCapacity,
		Available:        e.Available(),
		Reserved:         e.ReservedCount,
		Sold:             e.SoldCount,
		TicketPriceCents: e.TicketPriceCents,
		FundingGoalCents: e.FundingGoalCents,
		PledgedCents:     e.PledgedCents,
		PledgeDeadline:   e.PledgeDeadline,
		FundingStatus:    e.FundingStatus,
		SettledAt:        e.SettledAt,
	}
}

// Invalidator drops cached state of an event after it changed.
type Invalidator interface {
	Invalidate(ctx context.Context, eventID uint64)
}

// LoadFunc reads an event from the source of truth.
type LoadFunc func(ctx context.Context, eventID uint64) (model.Event, error)

// EventCache caches summaries in Redis.  A nil client turns it into a
// pass-through, and Redis errors fall back to the loader.
type EventCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewEventCache returns a cache storing entries under prefix for ttl.
func NewEventCache(rdb *redis.Client, prefix string, ttl time.Duration) *EventCache {
	if prefix == "" {
		prefix = "cache"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &EventCache{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (c *EventCache) key(eventID uint64) string {
	return c.prefix + ":event:" + strconv.FormatUint(eventID, 10)
}

// Get returns the summary of an event, loading and storing it on a miss.
func (c *EventCache) Get(ctx context.Context, eventID uint64, load LoadFunc) (Summary, error) {
	if c.rdb != nil {
		bs, err := c.rdb.Get(ctx, c.key(eventID)).Bytes()
		switch {
		case err == nil:
			var s Summary
			if jerr := json.Unmarshal(bs, &s); jerr == nil {
				metrics.CacheLookups.WithLabelValues("event", "hit").Inc()
				return s, nil
			}
			metrics.CacheLookups.WithLabelValues("event", "error").Inc()
		case errors.Is(err, redis.Nil):
			metrics.CacheLookups.WithLabelValues("event", "miss").Inc()
		default:
			metrics.CacheLookups.WithLabelValues("event", "error").Inc()
			logging.Ctx(ctx).Debug().Err(err).Msg("event cache read failed")
		}
	}

	e, err := load(ctx, eventID)
	if err != nil {
		return Summary{}, err
	}
	s := SummaryOf(e)
	if c.rdb != nil {
		if bs, err := json.Marshal(s); err == nil {
			if err := c.rdb.Set(ctx, c.key(eventID), bs, c.ttl).Err(); err != nil {
				logging.Ctx(ctx).Debug().Err(err).Msg("event cache write failed")
			}
		}
	}
	return s, nil
}

// Invalidate removes the cached summary of an event.
func (c *EventCache) Invalidate(ctx context.Context, eventID uint64) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, c.key(eventID)).Err(); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Uint64("event_id", eventID).Msg("event cache invalidation failed")
	}
}

// NopInvalidator ignores invalidations.
type NopInvalidator struct{}

func (NopInvalidator) Invalidate(context.Context, uint64) {}
