// Package markethours is the engine's clock and NSE session calendar.
//
// The engine works in market-naive time: the IST wall clock carried in a
// time.Time labelled UTC. Candle timestamps, bar times, rule expiries and the
// scheduler's "now" all use it, so comparisons never mix zones and a bar
// stamped 09:15 is 09:15 everywhere in the process.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Market hours in IST
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// Now returns the current market-naive time.
func Now() time.Time { return Naive(time.Now()) }

// Naive converts an absolute instant to market-naive time.
func Naive(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), ist.Hour(), ist.Minute(), ist.Second(), ist.Nanosecond(), time.UTC)
}

// Instant converts a market-naive time back to an absolute instant.
func Instant(naive time.Time) time.Time {
	return time.Date(naive.Year(), naive.Month(), naive.Day(), naive.Hour(), naive.Minute(), naive.Second(), naive.Nanosecond(), IST)
}

// Calendar decides trading days and sessions for market-naive times.
type Calendar struct {
	holidays map[string]bool
}

// NewCalendar returns the NSE calendar plus extra holidays ("2006-01-02").
func NewCalendar(extra ...string) (*Calendar, error) {
	c := &Calendar{holidays: make(map[string]bool, len(nseHolidays2026)+len(extra))}
	for _, h := range nseHolidays2026 {
		c.holidays[dateKey(2026, h.month, h.day)] = true
	}
	for _, s := range extra {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", s, err)
		}
		c.holidays[dateKey(d.Year(), d.Month(), d.Day())] = true
	}
	return c, nil
}

// IsHoliday reports whether the naive date is an exchange holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	return c.holidays[dateKey(t.Year(), t.Month(), t.Day())]
}

// IsTradingDay returns true if t is Mon–Fri and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	wd := t.Weekday()
	return wd >= time.Monday && wd <= time.Friday && !c.IsHoliday(t)
}

// IsOpen returns true if t falls within NSE trading hours
// (9:15 AM – 3:30 PM, Mon–Fri, excluding holidays).
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	hm := t.Hour()*60 + t.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// NextOpen returns the next session open at or after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	todayOpen := time.Date(t.Year(), t.Month(), t.Day(), OpenHour, OpenMinute, 0, 0, time.UTC)
	if t.Before(todayOpen) && c.IsTradingDay(t) {
		return todayOpen
	}
	d := todayOpen.AddDate(0, 0, 1)
	for i := 0; i < 15; i++ { // holidays + weekends
		if c.IsTradingDay(d) {
			return d
		}
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// TodayClose returns the close of t's session day.
func TodayClose(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), CloseHour, CloseMinute, 0, 0, time.UTC)
}

// StatusString returns a human-readable market status.
func (c *Calendar) StatusString(t time.Time) string {
	if c.IsOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(TodayClose(t).Sub(t)))
	}
	next := c.NextOpen(t)
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
