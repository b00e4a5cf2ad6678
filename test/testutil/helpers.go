package testutil

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Identity is the agent identity used across tests
const Identity = "3f0e1c9a-7b2d-4e8f-9a61-5c4d2b1e0f7a"

// OtherIdentity belongs to a different agent
const OtherIdentity = "9b3c2f1e-0d4a-4c5b-8e7f-6a1b2c3d4e5f"

// DefaultTimeout bounds every blocking helper
const DefaultTimeout = 5 * time.Second

// NewTestLogger creates a logger suitable for testing that outputs to the test log
func NewTestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
}
