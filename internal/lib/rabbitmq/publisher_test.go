package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

const skipRabbitMQTestsEnv = "true"

func amqpURI(ctx context.Context, t *testing.T) string {
	t.Helper()
	if os.Getenv("SKIP_RABBITMQ_TESTS") == skipRabbitMQTestsEnv {
		t.Skip("Skipping RabbitMQ tests in CI")
	}
	if uri := os.Getenv("TEST_RABBITMQ_URL"); uri != "" {
		return uri
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3-management",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate rabbitmq container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func openChannel(ctx context.Context, t *testing.T) *amqp.Channel {
	t.Helper()
	conn, err := amqp.Dial(amqpURI(ctx, t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch
}

func TestEventRoutingKeys(t *testing.T) {
	keys := EventRoutingKeys()

	assert.Contains(t, keys, models.EventSubscriptionActivated)
	assert.Contains(t, keys, models.EventServingDisabled)
	seen := map[string]bool{}
	for _, k := range keys {
		assert.Falsef(t, seen[k], "duplicate routing key: %s", k)
		seen[k] = true
	}
}

func TestPublishMessage(t *testing.T) {
	ctx := context.Background()
	ch := openChannel(ctx, t)

	queueName := "publish-test"
	_, err := ch.QueueDeclare(queueName, false, false, false, false, nil)
	require.NoError(t, err)

	t.Run("success publish and consume", func(t *testing.T) {
		msg := map[string]any{"id": 1.0, "name": "hello"}
		require.NoError(t, PublishMessage(ch, "", queueName, msg))

		deliveries, err := ch.Consume(queueName, "test-consumer", true, false, false, false, nil)
		require.NoError(t, err)

		select {
		case d := <-deliveries:
			var got map[string]any
			require.NoError(t, json.Unmarshal(d.Body, &got))
			assert.Equal(t, msg, got)
			assert.Equal(t, "application/json", d.ContentType)
			assert.Equal(t, amqp.Persistent, d.DeliveryMode)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("marshal error", func(t *testing.T) {
		badMsg := struct {
			Ch chan int `json:"ch"`
		}{Ch: make(chan int)}

		err := PublishMessage(ch, "", queueName, badMsg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rabbitmq.PublishMessage")
	})
}

func TestEventPublisher_RoutesByType(t *testing.T) {
	ctx := context.Background()
	ch := openChannel(ctx, t)

	exchange := "test-notifications"
	require.NoError(t, ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil))
	queueName := "grace-test"
	_, err := ch.QueueDeclare(queueName, false, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(queueName, models.EventSubscriptionGrace, exchange, false, nil))

	p := NewEventPublisher(ch, exchange)
	require.NoError(t, p.Publish(ctx, models.Event{Type: models.EventSubscriptionActivated, UserID: 1}))
	require.NoError(t, p.Publish(ctx, models.Event{Type: models.EventSubscriptionGrace, UserID: 2, State: models.StateGrace}))

	deliveries, err := ch.Consume(queueName, "grace-consumer", true, false, false, false, nil)
	require.NoError(t, err)
	select {
	case d := <-deliveries:
		var got models.Event
		require.NoError(t, json.Unmarshal(d.Body, &got))
		assert.Equal(t, int64(2), got.UserID)
		assert.Equal(t, models.StateGrace, got.State)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for routed event")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, p.Publish(cancelled, models.Event{Type: models.EventSubscriptionGrace}), context.Canceled)
}
