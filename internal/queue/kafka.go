package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/outbound-voice-bridge/internal/config"
)

const dialTimeout = 10 * time.Second

// EventStream is the Kafka topic carrying call lifecycle events. Every
// process publishes to it; the stats worker consumes it.
type EventStream struct {
	brokers     []string
	clientID    string
	topic       string
	group       string
	commitEvery time.Duration
	partitions  int
	replicas    int
}

// NewEventStream validates the broker settings for the event topic.
func NewEventStream(cfg config.KafkaConfig) (*EventStream, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("event stream: no brokers configured")
	}
	if cfg.EventTopic == "" {
		return nil, errors.New("event stream: no topic configured")
	}
	s := &EventStream{
		brokers:     cfg.Brokers,
		clientID:    cfg.ClientID,
		topic:       cfg.EventTopic,
		group:       cfg.ConsumerGroupID,
		commitEvery: cfg.CommitInterval,
		partitions:  max(cfg.Partitions, 1),
		replicas:    max(cfg.ReplicationFactor, 1),
	}
	return s, nil
}

// Topic names the event topic.
func (s *EventStream) Topic() string { return s.topic }

// Publisher opens a synchronous writer on the event topic. Messages carry the
// lead id as key and the hash balancer maps a key to one partition, so a
// lead's dial, call and retry events are consumed in the order they happened.
func (s *EventStream) Publisher() *EventPublisher {
	return &EventPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(s.brokers...),
		Topic:        s.topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		Transport:    &kafka.Transport{ClientID: s.clientID, DialTimeout: dialTimeout},
	}}
}

// Subscribe joins the consumer group named by the configured group id plus
// suffix. A new group starts from the oldest retained event.
func (s *EventStream) Subscribe(suffix string) *kafka.Reader {
	group := s.group
	if suffix != "" {
		group += "-" + suffix
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        s.brokers,
		Topic:          s.topic,
		GroupID:        group,
		Dialer:         s.dialer(),
		StartOffset:    kafka.FirstOffset,
		CommitInterval: s.commitEvery,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
	})
}

// Provision creates the event topic on the cluster controller when it is
// missing. Existing topics are left alone, whatever their partition count.
func (s *EventStream) Provision(ctx context.Context) error {
	dialer := s.dialer()
	conn, err := dialer.DialContext(ctx, "tcp", s.brokers[0])
	if err != nil {
		return fmt.Errorf("event stream: dial %s: %w", s.brokers[0], err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("event stream: list topics: %w", err)
	}
	for _, p := range partitions {
		if p.Topic == s.topic {
			return nil
		}
	}

	broker, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("event stream: find controller: %w", err)
	}
	ctrl, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(broker.Host, strconv.Itoa(broker.Port)))
	if err != nil {
		return fmt.Errorf("event stream: dial controller: %w", err)
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             s.topic,
		NumPartitions:     s.partitions,
		ReplicationFactor: s.replicas,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("event stream: create %s: %w", s.topic, err)
	}
	return nil
}

func (s *EventStream) dialer() *kafka.Dialer {
	return &kafka.Dialer{Timeout: dialTimeout, ClientID: s.clientID, DualStack: true}
}
