package websocket

import (
	"encoding/json"
	"log/slog"
	"math"
	"time"
)

// seriesEntry is one bar on the wire: {"v":[ts,o,h,l,c,vol?,oi?]}.
// Pointer elements tolerate JSON nulls in the trailing positions.
type seriesEntry struct {
	V []*float64 `json:"v"`
}

type seriesPayload struct {
	S []json.RawMessage `json:"s"`
}

// ExtractBars scans parsed packets for series data and assembles bars.
// Bars arrive in timescale_update (initial window) and du (incremental
// update) packets, keyed s1 or sds_1 depending on the series handle the
// server assigned. Malformed entries are skipped individually; open
// interest is reported for the whole series if any bar carried a 7th value.
func ExtractBars(packets []Packet, logger *slog.Logger) SeriesResult {
	if logger == nil {
		logger = slog.Default()
	}
	var result SeriesResult
	for _, pkt := range packets {
		if pkt.Method != "timescale_update" && pkt.Method != "du" {
			continue
		}
		if len(pkt.Params) < 2 {
			continue
		}
		// The envelope carries sibling keys next to the series (index,
		// zoffset, changes, marks) whose shapes vary; only the series
		// value itself gets decoded.
		var body map[string]json.RawMessage
		if err := json.Unmarshal(pkt.Params[1], &body); err != nil {
			logger.Debug("skipping unparseable series packet",
				"method", pkt.Method,
				"error", err)
			continue
		}
		rawSeries, ok := body["s1"]
		if !ok {
			rawSeries, ok = body["sds_1"]
		}
		if !ok {
			continue
		}
		var series seriesPayload
		if err := json.Unmarshal(rawSeries, &series); err != nil {
			logger.Debug("skipping unparseable series payload",
				"method", pkt.Method,
				"error", err)
			continue
		}
		for _, rawEntry := range series.S {
			bar, hasOI, ok := parseEntry(rawEntry, logger)
			if !ok {
				continue
			}
			if hasOI {
				result.HasOpenInterest = true
			}
			result.Bars = append(result.Bars, bar)
		}
	}
	return result
}

func parseEntry(raw json.RawMessage, logger *slog.Logger) (Bar, bool, bool) {
	var entry seriesEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		logger.Debug("skipping malformed bar", "error", err)
		return Bar{}, false, false
	}
	v := entry.V
	if len(v) < 5 {
		logger.Debug("skipping malformed bar", "values", len(v))
		return Bar{}, false, false
	}
	for i := 0; i < 5; i++ {
		if v[i] == nil || math.IsNaN(*v[i]) || math.IsInf(*v[i], 0) {
			logger.Debug("skipping malformed bar", "position", i)
			return Bar{}, false, false
		}
	}

	ts := *v[0]
	sec := int64(math.Floor(ts))
	nsec := int64((ts - math.Floor(ts)) * float64(time.Second))
	bar := Bar{
		Time:  time.Unix(sec, nsec),
		Open:  *v[1],
		High:  *v[2],
		Low:   *v[3],
		Close: *v[4],
	}
	if len(v) > 5 && v[5] != nil {
		bar.Volume = *v[5]
	}
	hasOI := len(v) > 6 && v[6] != nil
	if hasOI {
		bar.OpenInterest = *v[6]
	}
	return bar, hasOI, true
}
