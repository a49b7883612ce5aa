// Package clock centralizes time handling: persistence is always UTC,
// scheduling and display use Hong Kong wall time (UTC+8, no DST).
// Components take a Clock so tests can drive boundaries deterministically.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Clock supplies the current instant. Production code uses System.
type Clock interface {
	Now() time.Time
}

// System reads the OS clock.
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// tickGraceSeconds is how far past the boundary a tick may still fire.
// Second 3 fires, second 4 does not.
const tickGraceSeconds = 3

var hongKong = mustLoadLocation("Asia/Hong_Kong")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load %s tzdata: %v", name, err))
	}
	return loc
}

// HK returns the Hong Kong location.
func HK() *time.Location { return hongKong }

// ToHK converts t to Hong Kong wall time.
func ToHK(t time.Time) time.Time { return t.In(hongKong) }

// HKDate formats the Hong Kong calendar date of t.
func HKDate(t time.Time) string { return t.In(hongKong).Format("2006-01-02") }

// IsTickBoundary reports whether t sits on an interval boundary of the HK
// wall clock, within the grace window. For a 15m interval that is minute
// in {0,15,30,45} and second in [0,3].
func IsTickBoundary(t time.Time, interval time.Duration) bool {
	minutes := int(interval.Minutes())
	if minutes <= 0 {
		return false
	}
	hk := t.In(hongKong)
	totalMin := hk.Hour()*60 + hk.Minute()
	return totalMin%minutes == 0 && hk.Second() <= tickGraceSeconds
}

// BarOpen truncates t to the open of the interval bar containing it.
// Intervals that divide an hour align identically in UTC and HK.
func BarOpen(t time.Time, interval time.Duration) time.Time {
	return t.Truncate(interval)
}

// BarOpenMs is BarOpen in UTC milliseconds, the market_data key format.
func BarOpenMs(t time.Time, interval time.Duration) int64 {
	return BarOpen(t, interval).UnixMilli()
}

// PrevBarClose returns the close instant of the most recently completed bar
// at t. On an exact boundary the bar that just closed is returned.
func PrevBarClose(t time.Time, interval time.Duration) time.Time {
	open := BarOpen(t, interval)
	if open.Equal(t) {
		return t
	}
	return open
}

// NextTickDelay returns how long to sleep from now until the next interval
// boundary on the HK clock.
func NextTickDelay(now time.Time, interval time.Duration) time.Duration {
	next := BarOpen(now, interval).Add(interval)
	return next.Sub(now)
}

// ArchiveDue reports whether the daily archival should run: we are inside
// the HK 00:00 hour and have not yet run for this HK date.
func ArchiveDue(now time.Time, lastRunHKDate string) bool {
	hk := now.In(hongKong)
	return hk.Hour() == 0 && HKDate(now) != lastRunHKDate
}

// ParseTimeframe converts an exchange timeframe token such as "15m", "1h",
// or "1d" into a duration.
func ParseTimeframe(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if len(s) < 2 {
		return 0, fmt.Errorf("parse timeframe %q: too short", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("parse timeframe %q: bad count", s)
	}
	switch s[len(s)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("parse timeframe %q: unknown unit", s)
	}
}
