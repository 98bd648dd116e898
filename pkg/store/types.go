package store

import (
	"fmt"
	"time"
)

// Entry is the last written value of a key.
type Entry struct {
	Key       Key       `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Age returns how long ago the entry was written.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.UpdatedAt)
}

// Notification is the message published on a key's channel whenever the key
// is written (settings, status) or a command is issued.
type Notification struct {
	Key         Key    `json:"key"`
	Value       string `json:"value"`
	TimestampMs int64  `json:"timestamp_ms"`
	ID          string `json:"id,omitempty"`     // Set for commands, used for correlation and de-duplication
	Source      string `json:"source,omitempty"` // Issuing agent or operator, informational
}

// Time returns the notification timestamp.
func (n Notification) Time() time.Time {
	return time.UnixMilli(n.TimestampMs)
}

// Validate checks the notification carries a well-formed key.
func (n Notification) Validate() error {
	if _, err := ParseKey(string(n.Key)); err != nil {
		return err
	}
	if n.TimestampMs <= 0 {
		return fmt.Errorf("notification for %s has no timestamp", n.Key)
	}
	return nil
}

// Sample is one timeseries point.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}
