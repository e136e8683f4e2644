package config

import (
	"fmt"
	"time"
)

// EventsConfig controls the event bus: retention, replay, and delivery.
type EventsConfig struct {
	// RetentionCount is the minimum number of recent events kept for
	// replay. The effective window is the larger of RetentionCount and
	// whatever RetentionAge covers.
	RetentionCount int `yaml:"retention_count"`

	// RetentionAge is the minimum age-based retention for replay.
	RetentionAge time.Duration `yaml:"retention_age"`

	// BatchWindow is the default per-subscriber coalescing window. Events
	// are delivered at window boundaries in seq order; zero delivers
	// immediately.
	BatchWindow time.Duration `yaml:"batch_window"`

	// SubscriberQueueCap bounds each subscriber's undelivered queue. On
	// overflow the subscriber is dropped with a gap-too-large close and
	// must resync.
	SubscriberQueueCap int `yaml:"subscriber_queue_cap"`

	// WriteTimeout bounds a single WebSocket send.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultEventsConfig returns the built-in event bus defaults.
func DefaultEventsConfig() *EventsConfig {
	return &EventsConfig{
		RetentionCount:     1000,
		RetentionAge:       1 * time.Hour,
		BatchWindow:        500 * time.Millisecond,
		SubscriberQueueCap: 10000,
		WriteTimeout:       10 * time.Second,
	}
}

// Validate checks event bus parameters.
func (c *EventsConfig) Validate() error {
	if c.RetentionCount < 1 {
		return fmt.Errorf("events: %w: retention_count must be >= 1", ErrInvalidValue)
	}
	if c.SubscriberQueueCap < 1 {
		return fmt.Errorf("events: %w: subscriber_queue_cap must be >= 1", ErrInvalidValue)
	}
	if c.BatchWindow < 0 {
		return fmt.Errorf("events: %w: batch_window must not be negative", ErrInvalidValue)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("events: %w: write_timeout must be positive", ErrInvalidValue)
	}
	return nil
}
