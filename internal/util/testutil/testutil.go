// Package testutil carries the small helpers shared by unit tests:
// miniredis-backed clients, a zaptest logger, and random identifiers.
package testutil

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/mqs"
	"github.com/heraldhq/herald/internal/redis"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Integration skips the test under -short.
func Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
}

// Race skips tests that only make sense under the race detector. Opt in
// with TESTRACE=1.
func Race(t *testing.T) {
	if os.Getenv("TESTRACE") != "1" {
		t.Skip("race test: set TESTRACE=1 to run")
	}
}

// CreateTestRedisConfig starts a miniredis tied to the test lifetime and
// returns a config pointing at it.
func CreateTestRedisConfig(t *testing.T) *redis.RedisConfig {
	mr := miniredis.RunT(t)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	return &redis.RedisConfig{
		Host: mr.Host(),
		Port: port,
	}
}

// CreateTestRedisClient connects a dedicated client to a fresh miniredis.
func CreateTestRedisClient(t *testing.T) redis.Client {
	client, err := redis.NewClient(context.Background(), CreateTestRedisConfig(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func CreateTestLogger(t *testing.T) *logging.Logger {
	return &logging.Logger{Logger: otelzap.New(zaptest.NewLogger(t),
		otelzap.WithMinLevel(zap.InfoLevel),
	)}
}

// RandomString returns length hex characters.
func RandomString(length int) string {
	b := make([]byte, (length+1)/2+1)
	crand.Read(b)
	return fmt.Sprintf("%x", b)[:length]
}

// RandomPortNumber picks a port in 10000-59999. Collisions are possible
// but rare enough for tests that bind a listener right away.
func RandomPortNumber() int {
	return rand.Intn(50000) + 10000
}

// MockMsg is a minimal queue payload for broker tests. Topic is routing
// metadata, not payload, and does not survive serialization.
type MockMsg struct {
	ID    string `json:"id"`
	Topic string `json:"-"`
}

var _ mqs.IncomingMessage = &MockMsg{}

func (m *MockMsg) ToMessage() (*mqs.Message, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return &mqs.Message{ID: m.ID, Topic: m.Topic, Body: body}, nil
}

func (m *MockMsg) FromMessage(msg *mqs.Message) error {
	return json.Unmarshal(msg.Body, m)
}
