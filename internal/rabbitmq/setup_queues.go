package rabbitmq

import (
	events "github.com/magabrotheeeer/vpn-entitlements/internal/lib/rabbitmq"
)

type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// Queues входящая очередь платежей и по очереди на каждый тип исходящего события.
func Queues(incoming string) []QueueConfig {
	queues := []QueueConfig{{QueueName: incoming}}
	for _, key := range events.EventRoutingKeys() {
		queues = append(queues, QueueConfig{QueueName: Exchange + "." + key, RoutingKey: key})
	}
	return queues
}
