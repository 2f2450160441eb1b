package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
)

const prefetch = 10

// Handler обрабатывает тело сообщения. Ошибка возвращает сообщение в очередь.
type Handler func(ctx context.Context, body []byte) error

// Consumer читает очередь и обрабатывает не больше prefetch сообщений одновременно.
type Consumer struct {
	ch    *amqp.Channel
	queue string
	log   *slog.Logger
	wg    sync.WaitGroup
}

func NewConsumer(ch *amqp.Channel, queue string, log *slog.Logger) *Consumer {
	return &Consumer{ch: ch, queue: queue, log: log.With(slog.String("queue", queue))}
}

// Start подписывается на очередь и возвращается сразу. Чтение прекращается
// с отменой ctx или закрытием канала.
func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	const op = "rabbitmq.Consumer.Start"

	delivery, err := c.ch.Consume(
		c.queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	sem := make(chan struct{}, prefetch)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case d, ok := <-delivery:
				if !ok {
					return
				}
				sem <- struct{}{}
				c.wg.Add(1)
				go func(d amqp.Delivery) {
					defer c.wg.Done()
					defer func() { <-sem }()
					c.handle(ctx, d, handler)
				}(d)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	if err := handler(ctx, d.Body); err != nil {
		c.log.Warn("message requeued", sl.Err(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.log.Error("failed to nack message", sl.Err(nackErr))
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		c.log.Error("failed to ack message", sl.Err(ackErr))
	}
}

// Wait ждёт завершения обработки уже полученных сообщений.
func (c *Consumer) Wait() {
	c.wg.Wait()
}
