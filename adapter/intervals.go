package tradingview

import "fmt"

// Interval is a bar interval in TradingView's protocol notation: plain
// minutes ("1".."45"), hours with an H suffix, then 1D/1W/1M.
type Interval string

const (
	Interval1Minute   Interval = "1"
	Interval3Minutes  Interval = "3"
	Interval5Minutes  Interval = "5"
	Interval15Minutes Interval = "15"
	Interval30Minutes Interval = "30"
	Interval45Minutes Interval = "45"
	Interval1Hour     Interval = "1H"
	Interval2Hours    Interval = "2H"
	Interval3Hours    Interval = "3H"
	Interval4Hours    Interval = "4H"
	Interval1Day      Interval = "1D"
	Interval1Week     Interval = "1W"
	Interval1Month    Interval = "1M"
)

var intervalSeconds = map[Interval]int64{
	Interval1Minute:   60,
	Interval3Minutes:  180,
	Interval5Minutes:  300,
	Interval15Minutes: 900,
	Interval30Minutes: 1800,
	Interval45Minutes: 2700,
	Interval1Hour:     3600,
	Interval2Hours:    7200,
	Interval3Hours:    10800,
	Interval4Hours:    14400,
	Interval1Day:      86400,
	Interval1Week:     604800,
	Interval1Month:    2592000,
}

// intervalMaxDays caps how far back the server serves each interval.
// Zero means unbounded (daily and coarser).
var intervalMaxDays = map[Interval]int{
	Interval1Minute:   180,
	Interval3Minutes:  365,
	Interval5Minutes:  365,
	Interval15Minutes: 730,
	Interval30Minutes: 730,
	Interval45Minutes: 730,
	Interval1Hour:     730,
	Interval2Hours:    730,
	Interval3Hours:    730,
	Interval4Hours:    730,
}

// Valid reports whether the interval is one the gateway accepts.
func (i Interval) Valid() bool {
	_, ok := intervalSeconds[i]
	return ok
}

// Seconds returns the nominal bar duration in seconds. Months count as 30
// days, matching how the server spaces monthly bars for planning purposes.
func (i Interval) Seconds() (int64, error) {
	secs, ok := intervalSeconds[i]
	if !ok {
		return 0, fmt.Errorf("unknown interval %q", string(i))
	}
	return secs, nil
}

// MaxHistoryDays returns how many days of history the server keeps for the
// interval, or 0 when depth is unbounded.
func (i Interval) MaxHistoryDays() int {
	return intervalMaxDays[i]
}

// Intraday reports whether bars are finer than one day. Intraday range
// windows get shifted back half an hour so session-open bars are included.
func (i Interval) Intraday() bool {
	secs, ok := intervalSeconds[i]
	return ok && secs < 86400
}
