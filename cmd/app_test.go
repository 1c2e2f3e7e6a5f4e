package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lumenview/visibility-cli/internal/config"
)

func TestBatchConfig_Mapping(t *testing.T) {
	out := batchConfig(config.BatchConfig{
		BatchSize:           20,
		DailyPauseMs:        2000,
		BackfillPauseMs:     250,
		HighPriorityCount:   3,
		MediumPriorityCount: 7,
		WindowHours:         48,
		RetryMaxAttempts:    5,
		RetryBackoffMs:      1000,
		RetryMaxBackoffMs:   8000,
		RetryMultiplier:     3.0,
	})

	assert.Equal(t, 20, out.BatchSize)
	assert.Equal(t, 2*time.Second, out.DailyPause)
	assert.Equal(t, 250*time.Millisecond, out.BackfillPause)
	assert.Equal(t, 3, out.HighPriorityCount)
	assert.Equal(t, 7, out.MediumPriorityCount)
	assert.Equal(t, 48*time.Hour, out.Window)
	assert.Equal(t, 5, out.Retry.MaxAttempts)
	assert.Equal(t, time.Second, out.Retry.InitialBackoff)
	assert.Equal(t, 8*time.Second, out.Retry.MaxBackoff)
	assert.InDelta(t, 3.0, out.Retry.Multiplier, 0.001)
	assert.True(t, out.Retry.ShouldRetry(errors.New("anything")), "batch jobs retry every failure")
}

func TestBatchConfig_Defaults(t *testing.T) {
	out := batchConfig(config.BatchConfig{})

	assert.Equal(t, 10, out.BatchSize)
	assert.Equal(t, time.Second, out.DailyPause)
	assert.Equal(t, 500*time.Millisecond, out.BackfillPause)
	assert.Equal(t, 24*time.Hour, out.Window)
}
