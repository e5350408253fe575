package main

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-mutex/v1/presets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStressNoOverlap(t *testing.T) {
	m := presets.NewInMemoryStandalone()
	r, err := stress(context.Background(), m, options{
		workers:    8,
		iterations: 20,
		hold:       100 * time.Microsecond,
		timeout:    10 * time.Second,
		expiresIn:  10 * time.Second,
		key:        "stress",
	})
	require.NoError(t, err)
	assert.Zero(t, r.overlaps.Load())
	assert.Zero(t, r.timeouts.Load())
	assert.EqualValues(t, 160, r.runs.Load())
}
