package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/incogx/Facer-app/internal/config"
)

func TestCheckBackends(t *testing.T) {
	tests := []struct {
		queue, store string
		ok           bool
	}{
		{"redis", "postgres", true},
		{"memory", "postgres", false},
		{"redis", "memory", false},
	}
	for _, tc := range tests {
		err := checkBackends(config.App{QueueBackend: tc.queue, StoreBackend: tc.store})
		if tc.ok {
			assert.NoError(t, err, "%s/%s", tc.queue, tc.store)
		} else {
			assert.ErrorIs(t, err, errMemoryBackend, "%s/%s", tc.queue, tc.store)
		}
	}
}
