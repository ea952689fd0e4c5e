package main

import (
	"testing"
	"time"

	"pixel-canvas/internal/config"
	"pixel-canvas/internal/services"

	"github.com/go-playground/assert/v2"
)

func TestWriteTimeoutCoversPipelineRetries(t *testing.T) {
	edits := config.Default().Edits
	cfg := services.PipelineConfig{
		PersistAttempts: edits.PersistAttempts,
		RetryBackoff:    edits.RetryBackoff.Std(),
		MaxRetryBackoff: edits.MaxRetryBackoff.Std(),
	}

	// 5 appends of 10s, 50+100+200+400ms of backoff, one truncate
	assert.Equal(t, 60750*time.Millisecond, cfg.SettleTimeout())
	assert.Equal(t, true, writeTimeout(cfg) > cfg.SettleTimeout())
}
