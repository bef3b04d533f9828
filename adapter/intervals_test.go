package tradingview

import "testing"

func TestInterval_Seconds(t *testing.T) {
	cases := []struct {
		interval Interval
		want     int64
	}{
		{Interval1Minute, 60},
		{Interval5Minutes, 300},
		{Interval45Minutes, 2700},
		{Interval1Hour, 3600},
		{Interval4Hours, 14400},
		{Interval1Day, 86400},
		{Interval1Week, 604800},
		{Interval1Month, 2592000},
	}
	for _, tc := range cases {
		got, err := tc.interval.Seconds()
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.interval, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: expected %d seconds, got %d", tc.interval, tc.want, got)
		}
	}
}

func TestInterval_SecondsUnknown(t *testing.T) {
	if _, err := Interval("7M").Seconds(); err == nil {
		t.Error("Expected error for unknown interval")
	}
	if Interval("7M").Valid() {
		t.Error("Expected 7M to be invalid")
	}
}

func TestInterval_MaxHistoryDays(t *testing.T) {
	cases := []struct {
		interval Interval
		want     int
	}{
		{Interval1Minute, 180},
		{Interval3Minutes, 365},
		{Interval5Minutes, 365},
		{Interval15Minutes, 730},
		{Interval4Hours, 730},
		{Interval1Day, 0},
		{Interval1Week, 0},
		{Interval1Month, 0},
	}
	for _, tc := range cases {
		if got := tc.interval.MaxHistoryDays(); got != tc.want {
			t.Errorf("%s: expected max %d days, got %d", tc.interval, tc.want, got)
		}
	}
}

func TestInterval_Intraday(t *testing.T) {
	if !Interval30Minutes.Intraday() {
		t.Error("Expected 30m to be intraday")
	}
	if !Interval4Hours.Intraday() {
		t.Error("Expected 4H to be intraday")
	}
	if Interval1Day.Intraday() {
		t.Error("Expected 1D not to be intraday")
	}
	if Interval("bogus").Intraday() {
		t.Error("Expected unknown interval not to be intraday")
	}
}
