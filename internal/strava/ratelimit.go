package strava

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Strava rate limits per application:
// - 100 requests per 15 minutes (windows aligned to :00/:15/:30/:45)
// - 1000 requests per day (window aligned to UTC midnight)
//
// Limits and usage are reported back on every response via the
// X-RateLimit-Limit and X-RateLimit-Usage headers as "short,daily" pairs.

// Limits tracks the request quota windows for one tenant's app credentials.
// It never blocks: Check reports how long the caller must defer when a
// window is exhausted, and the coordinator owns the rescheduling.
type Limits struct {
	mu sync.Mutex

	shortLimit    int
	shortUsage    int
	shortResetsAt time.Time

	dailyLimit    int
	dailyUsage    int
	dailyResetsAt time.Time
}

// NewLimits creates quota tracking seeded with Strava's default limits.
func NewLimits() *Limits {
	now := time.Now()
	return &Limits{
		shortLimit:    100,
		shortResetsAt: nextQuarterHour(now),
		dailyLimit:    1000,
		dailyResetsAt: nextUTCMidnight(now),
	}
}

// Check reports whether a request may be sent now. When a window is at or
// above its limit it returns the delay until that window resets and false.
func (l *Limits) Check(now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollWindows(now)

	if l.shortUsage >= l.shortLimit {
		return l.shortResetsAt.Sub(now), false
	}
	if l.dailyUsage >= l.dailyLimit {
		return l.dailyResetsAt.Sub(now), false
	}
	return 0, true
}

// Record counts one outbound request against both windows.
func (l *Limits) Record(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollWindows(now)
	l.shortUsage++
	l.dailyUsage++
}

// UpdateFromHeaders replaces tracked usage and limits with the values the
// server reported. Called after every response regardless of status.
func (l *Limits) UpdateFromHeaders(h http.Header) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if short, daily, ok := parseHeaderPair(h.Get("X-RateLimit-Usage")); ok {
		l.shortUsage = short
		l.dailyUsage = daily
	}
	if short, daily, ok := parseHeaderPair(h.Get("X-RateLimit-Limit")); ok {
		l.shortLimit = short
		l.dailyLimit = daily
	}
}

// Remaining returns how many requests are left in each window.
func (l *Limits) Remaining() (short, daily int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollWindows(time.Now())
	return l.shortLimit - l.shortUsage, l.dailyLimit - l.dailyUsage
}

// rollWindows resets usage counters for windows that have elapsed.
// Callers must hold l.mu.
func (l *Limits) rollWindows(now time.Time) {
	if !now.Before(l.shortResetsAt) {
		l.shortUsage = 0
		l.shortResetsAt = nextQuarterHour(now)
	}
	if !now.Before(l.dailyResetsAt) {
		l.dailyUsage = 0
		l.dailyResetsAt = nextUTCMidnight(now)
	}
}

// parseHeaderPair parses "short,daily" header values.
func parseHeaderPair(v string) (short, daily int, ok bool) {
	if v == "" {
		return 0, 0, false
	}
	parts := strings.Split(v, ",")
	if len(parts) < 2 {
		return 0, 0, false
	}
	short, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	daily, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return short, daily, true
}

func nextQuarterHour(now time.Time) time.Time {
	return now.Truncate(15 * time.Minute).Add(15 * time.Minute)
}

func nextUTCMidnight(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
