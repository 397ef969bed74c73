package controller

import (
	"errors"
	"fmt"
	"time"
)

var ErrBadSettings = errors.New("invalid feeder settings")

// ClockTime is a wall-clock time of day, in minutes after midnight.
type ClockTime int

func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: time of day %q", ErrBadSettings, s)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func clockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

// FeederConfig is the runtime feeder configuration.
type FeederConfig struct {
	AutoFeed     bool
	Start        ClockTime
	End          ClockTime
	Interval     time.Duration
	FeedDuration float64 // seconds
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		AutoFeed:     true,
		Start:        8 * 60,
		End:          20 * 60,
		Interval:     4 * time.Hour,
		FeedDuration: 5,
	}
}

// InWindow reports whether t falls in [Start, End). A window whose end is
// before its start wraps past midnight.
func (c FeederConfig) InWindow(t time.Time) bool {
	now := clockOf(t)
	if c.Start <= c.End {
		return now >= c.Start && now < c.End
	}
	return now >= c.Start || now < c.End
}

// Settings is the "settings" object of a control action. Absent fields keep
// their current value.
type Settings struct {
	Duration         *float64 `json:"duration,omitempty"`
	IsAutoFeed       *bool    `json:"is_auto_feed,omitempty"`
	AutoFeedStart    *string  `json:"auto_feed_start,omitempty"`
	AutoFeedEnd      *string  `json:"auto_feed_end,omitempty"`
	AutoFeedInterval *float64 `json:"auto_feed_interval,omitempty"` // hours
	FeedDuration     *float64 `json:"feed_duration,omitempty"`      // seconds
}

// Apply returns cfg updated with s. Nothing changes unless every present
// field is valid.
func (c FeederConfig) Apply(s Settings) (FeederConfig, error) {
	next := c
	if s.IsAutoFeed != nil {
		next.AutoFeed = *s.IsAutoFeed
	}
	if s.AutoFeedStart != nil {
		t, err := ParseClock(*s.AutoFeedStart)
		if err != nil {
			return c, err
		}
		next.Start = t
	}
	if s.AutoFeedEnd != nil {
		t, err := ParseClock(*s.AutoFeedEnd)
		if err != nil {
			return c, err
		}
		next.End = t
	}
	if s.AutoFeedInterval != nil {
		if *s.AutoFeedInterval <= 0 {
			return c, fmt.Errorf("%w: auto_feed_interval must be positive", ErrBadSettings)
		}
		next.Interval = time.Duration(*s.AutoFeedInterval * float64(time.Hour))
	}
	if s.FeedDuration != nil {
		if *s.FeedDuration <= 0 {
			return c, fmt.Errorf("%w: feed_duration must be positive", ErrBadSettings)
		}
		next.FeedDuration = *s.FeedDuration
	}
	return next, nil
}
