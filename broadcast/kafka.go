package broadcast

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/IBM/sarama"
)

// KafkaSink forwards engine events to a Kafka topic so downstream MES/ERP
// consumers can react to simulation output. Optional: only wired up when
// brokers are configured.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
	done     chan struct{}
}

// NewKafkaSink connects an async producer to the given brokers.
func NewKafkaSink(brokers, topic string) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(strings.Split(brokers, ","), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaSink{producer: producer, topic: topic, done: make(chan struct{})}, nil
}

// Run consumes a broadcaster subscription and ships events to Kafka until
// Close is called. Delivery errors are logged and dropped; the simulator
// never blocks on the broker.
func (k *KafkaSink) Run(b *Broadcaster) {
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	go func() {
		for err := range k.producer.Errors() {
			log.Printf("[Kafka] produce error: %v", err)
		}
	}()

	for {
		select {
		case ev := <-sub.C:
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("[Kafka] marshal event: %v", err)
				continue
			}
			k.producer.Input() <- &sarama.ProducerMessage{
				Topic: k.topic,
				Key:   sarama.StringEncoder(ev.Type),
				Value: sarama.ByteEncoder(payload),
			}
		case <-k.done:
			return
		}
	}
}

// Close stops the forwarding loop and shuts the producer down.
func (k *KafkaSink) Close() error {
	close(k.done)
	return k.producer.Close()
}
