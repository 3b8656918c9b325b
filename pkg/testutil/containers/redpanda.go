//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

const redpandaImage = "docker.redpanda.com/redpandadata/redpanda:v24.2.4"

// KafkaContainer is a single-node Redpanda broker speaking the Kafka protocol.
type KafkaContainer struct {
	Container *redpanda.Container
	Broker    string
	client    *kgo.Client
	admin     *kadm.Client
}

// NewKafkaContainer starts Redpanda and connects an admin client.
func NewKafkaContainer(t *testing.T) *KafkaContainer {
	t.Helper()
	ctx := context.Background()

	container, err := redpanda.Run(ctx, redpandaImage, redpanda.WithAutoCreateTopics())
	if err != nil {
		t.Fatalf("start redpanda: %v", err)
	}
	broker, err := container.KafkaSeedBroker(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("redpanda seed broker: %v", err)
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(broker))
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("kafka client: %v", err)
	}
	return &KafkaContainer{
		Container: container,
		Broker:    broker,
		client:    client,
		admin:     kadm.NewClient(client),
	}
}

// CreateTopic creates a single-partition topic.
func (k *KafkaContainer) CreateTopic(ctx context.Context, topic string) error {
	resp, err := k.admin.CreateTopics(ctx, 1, 1, nil, topic)
	if err != nil {
		return err
	}
	for _, r := range resp {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// Produce writes value to topic and waits for the broker to acknowledge it.
func (k *KafkaContainer) Produce(ctx context.Context, topic string, value []byte) error {
	return k.client.ProduceSync(ctx, &kgo.Record{Topic: topic, Value: value}).FirstErr()
}

func (k *KafkaContainer) Terminate(ctx context.Context) {
	k.client.Close()
	_ = k.Container.Terminate(ctx)
}
