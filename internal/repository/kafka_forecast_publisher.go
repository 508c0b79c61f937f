package repository

import (
	"context"
	"time"

	"QuantServe/internal/domain/models"
	domrepo "QuantServe/internal/domain/repository"
)

// messagePublisher is the subset of *pkgkafka.Producer used here.
type messagePublisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	Close() error
}

// KafkaForecastPublisher emits a ForecastEvent per fresh response, keyed by
// market id so one market stays on one partition.
type KafkaForecastPublisher struct {
    producer messagePublisher
    topic    string
    now      func() time.Time
}

func NewKafkaForecastPublisher(producer messagePublisher, topic string) *KafkaForecastPublisher {
	return &KafkaForecastPublisher{producer: producer, topic: topic, now: time.Now}
}

func (p *KafkaForecastPublisher) Write(ctx context.Context, _ models.ForecastRequest, resp *models.ForecastResponse) error {
	if resp == nil {
		return nil
	}
	ev := domrepo.NewForecastEvent(resp, p.now().UTC())
	return p.producer.Publish(ctx, p.topic, []byte(ev.MarketID), ev)
}

func (p *KafkaForecastPublisher) Close() error {
    if p.producer != nil {
        return p.producer.Close()
    }
    return nil
}

// KafkaAdjustmentPublisher writes fitted adjustments to the topic the serving
// process consumes. Key is the bucket.
type KafkaAdjustmentPublisher struct {
	producer messagePublisher
	topic    string
}

func NewKafkaAdjustmentPublisher(producer messagePublisher, topic string) *KafkaAdjustmentPublisher {
	return &KafkaAdjustmentPublisher{producer: producer, topic: topic}
}

func (p *KafkaAdjustmentPublisher) Publish(ctx context.Context, adj models.ConformalAdjustment) error {
	return p.producer.Publish(ctx, p.topic, []byte(adj.Bucket), adj)
}

func (p *KafkaAdjustmentPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

var _ domrepo.ForecastSink = (*KafkaForecastPublisher)(nil)
