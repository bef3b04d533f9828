package tradingview

import (
	"log/slog"
	"time"

	"github.com/scmhub/calendar"
)

// usSessionSeconds is the regular US cash session, 09:30-16:00.
const usSessionSeconds = 6.5 * 3600

// tradingCalendar counts business days, preferring the XNYS holiday
// calendar and degrading to plain Mon-Fri when the calendar is
// unavailable.
type tradingCalendar struct {
	cal      *calendar.Calendar
	fallback bool
}

func newTradingCalendar(logger *slog.Logger) *tradingCalendar {
	cal := calendar.GetCalendar("xnys")
	if cal == nil {
		logger.Warn("xnys calendar unavailable, counting Mon-Fri as trading days")
		return &tradingCalendar{fallback: true}
	}
	return &tradingCalendar{cal: cal}
}

func (tc *tradingCalendar) isTradingDay(t time.Time) bool {
	if tc.fallback {
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return tc.cal.IsBusinessDay(t)
}

func (tc *tradingCalendar) tradingDays(start, end time.Time) int {
	days := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if tc.isTradingDay(d) {
			days++
		}
	}
	return days
}

// logCoverage compares received bars against a rough expectation built from
// trading days in the window and bars per session. It is diagnostic only:
// exchanges with different sessions or frequent halts will deviate, so the
// numbers are logged, never enforced.
func logCoverage(logger *slog.Logger, interval Interval, start, end time.Time, received int) {
	secs, err := interval.Seconds()
	if err != nil {
		return
	}

	days := newTradingCalendar(logger).tradingDays(start, end)
	var expected int
	switch {
	case interval.Intraday():
		expected = days * int(usSessionSeconds/float64(secs))
	case secs <= 86400:
		expected = days
	default:
		// Weekly and monthly bars span several trading days each.
		expected = days / int(secs/86400)
		if expected < 1 {
			expected = 1
		}
	}
	if expected <= 0 {
		return
	}

	logger.Info("range coverage",
		"interval", string(interval),
		"trading_days", days,
		"bars_received", received,
		"bars_expected", expected,
		"coverage_pct", float64(received)*100/float64(expected))
}
