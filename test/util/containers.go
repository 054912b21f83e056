// Package util provides shared test infrastructure: singleton RabbitMQ and
// Redis containers reused by every integration test in a package run.
package util

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	brokerOnce sync.Once
	brokerURL  string
	brokerErr  error

	storeOnce sync.Once
	storeURL  string
	storeErr  error
)

// SkipIfShort skips container-backed integration tests under -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// SharedBrokerURL returns an AMQP URL for tests.
// - CI: uses the external broker from CI_AMQP_URL
// - Local: starts a shared RabbitMQ testcontainer (once per package)
func SharedBrokerURL(t *testing.T) string {
	t.Helper()

	if ciURL := os.Getenv("CI_AMQP_URL"); ciURL != "" {
		t.Log("Using external RabbitMQ from CI_AMQP_URL")
		return ciURL
	}

	brokerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared RabbitMQ testcontainer for all tests")

		container, err := rabbitmq.Run(ctx,
			"rabbitmq:3.13-alpine",
			testcontainers.WithWaitStrategy(
				wait.ForLog("Server startup complete").
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			brokerErr = fmt.Errorf("failed to start rabbitmq container: %w", err)
			return
		}

		url, err := container.AmqpURL(ctx)
		if err != nil {
			brokerErr = fmt.Errorf("failed to get amqp url: %w", err)
			return
		}
		brokerURL = url
		t.Logf("Shared RabbitMQ container ready: %s", brokerURL)
	})

	require.NoError(t, brokerErr, "Failed to setup shared RabbitMQ container")
	return brokerURL
}

// SharedStoreURL returns a redis:// URL for tests.
// - CI: uses the external store from CI_REDIS_URL
// - Local: starts a shared Redis testcontainer (once per package)
//
// The store is shared, so tests must isolate themselves through unique job
// IDs and URLs rather than by flushing the database.
func SharedStoreURL(t *testing.T) string {
	t.Helper()

	if ciURL := os.Getenv("CI_REDIS_URL"); ciURL != "" {
		t.Log("Using external Redis from CI_REDIS_URL")
		return ciURL
	}

	storeOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Redis testcontainer for all tests")

		container, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			storeErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}

		url, err := container.ConnectionString(ctx)
		if err != nil {
			storeErr = fmt.Errorf("failed to get redis url: %w", err)
			return
		}
		storeURL = url
		t.Logf("Shared Redis container ready: %s", storeURL)
	})

	require.NoError(t, storeErr, "Failed to setup shared Redis container")
	return storeURL
}
