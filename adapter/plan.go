package tradingview

import (
	"fmt"
	"sort"
	"time"
)

// planBarLimits is the per-tier cap on bars in one series request.
var planBarLimits = map[string]int{
	PlanProPremium: 20000,
	PlanProPlus:    10000,
	PlanPro:        10000,
	PlanFree:       5000,
}

func planBarLimit(tier string) int {
	if limit, ok := planBarLimits[tier]; ok {
		return limit
	}
	return planBarLimits[PlanFree]
}

// safeBarLimit leaves 20% headroom under the plan cap so a chunk never
// silently truncates at the server.
func safeBarLimit(tier string) int {
	return planBarLimit(tier) * 80 / 100
}

// chunkSpanDays sizes chunks so each fits the safe bar budget at the given
// interval, never below one day.
func chunkSpanDays(interval Interval, safeBars int) (int, error) {
	secs, err := interval.Seconds()
	if err != nil {
		return 0, err
	}
	days := int(int64(safeBars) * secs / 86400)
	if days < 1 {
		days = 1
	}
	return days, nil
}

// chunk is one contiguous window of a range plan. Windows touch: each
// chunk's from equals the previous chunk's to, and the clip in mergeBars
// collapses the boundary duplicates.
type chunk struct {
	from time.Time
	to   time.Time
}

func buildChunks(start, end time.Time, spanDays int) []chunk {
	var chunks []chunk
	for from := start; from.Before(end); {
		to := from.AddDate(0, 0, spanDays)
		if to.After(end) {
			to = end
		}
		chunks = append(chunks, chunk{from: from, to: to})
		from = to
	}
	return chunks
}

// intradayShiftMs pulls intraday windows back half an hour so the bar at
// the session open lands inside the requested window.
const intradayShiftMs = 30 * 60 * 1000

// rangeToken renders the create_series range parameter,
// "r,<start_ms>:<end_ms>".
func rangeToken(c chunk, intraday bool) string {
	fromMs := c.from.UnixMilli()
	toMs := c.to.UnixMilli()
	if intraday {
		fromMs -= intradayShiftMs
		toMs -= intradayShiftMs
	}
	return fmt.Sprintf("r,%d:%d", fromMs, toMs)
}

// mergeBars combines bars collected across chunks: duplicates by timestamp
// keep the first occurrence, the result is sorted ascending and clipped to
// the inclusive [start, end] window. The result is independent of chunk
// arrival order because duplicate bars carry identical values.
func mergeBars(bars []Bar, start, end time.Time) []Bar {
	seen := make(map[int64]struct{}, len(bars))
	merged := make([]Bar, 0, len(bars))
	for _, bar := range bars {
		key := bar.Time.UnixNano()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, bar)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Time.Before(merged[j].Time)
	})

	clipped := merged[:0]
	for _, bar := range merged {
		if bar.Time.Before(start) || bar.Time.After(end) {
			continue
		}
		clipped = append(clipped, bar)
	}
	return clipped
}
