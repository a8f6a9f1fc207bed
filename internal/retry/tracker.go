// Package retry provides the retry/backoff state embedded in entities whose
// commands depend on unreliable externals, and a timer that fires when a
// scheduled retry becomes due.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	dErrors "tillhouse/pkg/domain-errors"
)

// Policy computes retry delays. Delays grow exponentially from
// InitialInterval and are capped at MaxInterval; there is no jitter so a
// persisted schedule is reproducible.
type Policy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
	}
}

// Delay returns the wait before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = backoff.DefaultMultiplier
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Attempt is one recorded call to the external dependency.
type Attempt struct {
	At           time.Time `json:"at"`
	Success      bool      `json:"success"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Tracker is embedded in entity state. It is mutated only inside the owning
// entity's mutation, so it needs no locking.
type Tracker struct {
	RetryCount       int        `json:"retry_count"`
	MaxRetries       int        `json:"max_retries"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	Exhausted        bool       `json:"retry_exhausted"`
	LastErrorCode    string     `json:"last_error_code,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	History          []Attempt  `json:"history,omitempty"`
}

// Schedule is the outcome of ScheduleRetry.
type Schedule struct {
	At        time.Time
	Count     int
	Exhausted bool
}

// ScheduleRetry counts a retry and computes when it is due. maxRetries > 0
// overrides the limit; otherwise the tracker keeps its limit, or takes the
// policy's on first use. The call that would exceed the limit marks the
// tracker exhausted instead; every call after that fails.
func (t *Tracker) ScheduleRetry(now time.Time, reason string, maxRetries int, p Policy) (Schedule, error) {
	if t.Exhausted {
		return Schedule{}, dErrors.New(dErrors.CodeExhausted, "retries already exhausted")
	}
	switch {
	case maxRetries > 0:
		t.MaxRetries = maxRetries
	case t.MaxRetries <= 0:
		t.MaxRetries = p.MaxRetries
	}
	if reason != "" {
		t.LastErrorMessage = reason
	}

	if t.RetryCount+1 > t.MaxRetries {
		t.Exhausted = true
		t.NextRetryAt = nil
		return Schedule{Count: t.RetryCount, Exhausted: true}, nil
	}

	t.RetryCount++
	delay := p.Delay(t.RetryCount)
	if delay <= 0 {
		delay = time.Millisecond
	}
	at := now.Add(delay)
	t.NextRetryAt = &at
	return Schedule{At: at, Count: t.RetryCount}, nil
}

// RecordAttempt appends to the history. Success clears the pending retry and
// the last error; it never resets the count or exhaustion.
func (t *Tracker) RecordAttempt(now time.Time, success bool, errorCode, errorMessage string) {
	t.History = append(t.History, Attempt{
		At:           now,
		Success:      success,
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	})
	if success {
		t.NextRetryAt = nil
		t.LastErrorCode = ""
		t.LastErrorMessage = ""
		return
	}
	if errorCode != "" {
		t.LastErrorCode = errorCode
	}
	if errorMessage != "" {
		t.LastErrorMessage = errorMessage
	}
}

// ShouldRetry is false if no retry is scheduled or retries are exhausted.
func (t *Tracker) ShouldRetry() bool {
	return !t.Exhausted && t.NextRetryAt != nil
}

// Due reports whether a scheduled retry is ready at now.
func (t *Tracker) Due(now time.Time) bool {
	return t.ShouldRetry() && !now.Before(*t.NextRetryAt)
}
