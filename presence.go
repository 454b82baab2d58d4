// This file contains the presence aggregation logic: the distinct-visitor
// online count, the debounced recompute-and-broadcast path, and the
// fire-and-forget daily max-online bookkeeping that follows each broadcast.
package gateway

import (
	"context"
	"time"

	"github.com/samber/lo"
)

// OnlineCount reports how many distinct visitors are online cluster-wide.
// Distinctness is by session id, not socket: one visitor with three tabs
// counts once. A socket whose metadata is absent (or unreadable because the
// store is down) counts as a distinct singleton rather than being excluded,
// which inflates the count under store outages instead of silently
// undercounting.
func (g *Gateway) OnlineCount(ctx context.Context) int {
	return g.onlineCountExcluding(ctx, "")
}

func (g *Gateway) onlineCountExcluding(ctx context.Context, excludeSocketID string) int {
	all, err := g.metadata.All(ctx)

	if err != nil {
		g.log.Warn("metadata store unreachable during presence recompute", "error", err)

		all = nil
	}
	sessions := make([]string, 0, len(all))

	for socketID, meta := range all {
		if socketID == excludeSocketID {
			continue
		}
		if meta.SessionID != "" {
			sessions = append(sessions, meta.SessionID)
		} else {
			sessions = append(sessions, "socket:"+socketID)
		}
	}
	for _, t := range g.registry.all() {
		if t.ID() == excludeSocketID {
			continue
		}
		if _, known := all[t.ID()]; !known {
			sessions = append(sessions, "socket:"+t.ID())
		}
	}
	return len(lo.Uniq(sessions))
}

// presenceChanged requests a debounced recompute-and-broadcast. Bursts of
// triggers (a reconnect cascade, say) collapse into a single visitor_online
// broadcast carrying the count as of the trailing trigger. The caller never
// waits for the recompute.
func (g *Gateway) presenceChanged() {
	g.debounce.Trigger(func() {
		count := g.OnlineCount(g.ctx)

		payload := OnlinePayload{
			Online:    count,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if err := g.Broadcast(g.ctx, EventVisitorOnline, payload, nil); err != nil {
			g.log.Warn("visitor_online broadcast failed", "error", err)
		}

		g.sched.Schedule("max_online_count", func() error {
			return g.recordMaxOnline(g.ctx, int64(count))
		})
	})
}

// recordMaxOnline updates the day's max-online counter with the freshly
// computed count and bumps the cumulative recompute total. Runs detached
// from the broadcast path; failures are logged by the scheduler.
func (g *Gateway) recordMaxOnline(ctx context.Context, online int64) error {
	day := ShortDate(time.Now())

	if err := g.counters.RecordOnline(ctx, day, online); err != nil {
		return err
	}
	return g.counters.IncrTotal(ctx, day)
}
