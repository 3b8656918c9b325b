//go:build integration

package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"regwatch/internal/registry/models"
	"regwatch/pkg/testutil/containers"
)

type KafkaSourceSuite struct {
	suite.Suite
	kafka *containers.KafkaContainer
}

func TestKafkaSourceSuite(t *testing.T) {
	suite.Run(t, new(KafkaSourceSuite))
}

func (s *KafkaSourceSuite) SetupSuite() {
	s.kafka = containers.NewKafkaContainer(s.T())
}

func (s *KafkaSourceSuite) TearDownSuite() {
	s.kafka.Terminate(context.Background())
}

func (s *KafkaSourceSuite) TestDeliversDecodableRecords() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	const topic = "registry-changes"
	s.Require().NoError(s.kafka.CreateTopic(ctx, topic))

	s.Require().NoError(s.kafka.Produce(ctx, topic, []byte(`not json`)))
	s.Require().NoError(s.kafka.Produce(ctx, topic, []byte(`{"id":"n1","entityType":"company","entityId":"E123"}`)))

	source, err := NewKafkaSource([]string{s.kafka.Broker}, topic, "regwatch-test", nil,
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	s.Require().NoError(err)

	out := make(chan models.NotificationEvent, 1)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- source.Run(runCtx, out) }()

	select {
	case event := <-out:
		s.Equal("n1", event.ID)
		s.Equal(models.EntityRef{Type: models.EntityCompany, ID: "E123"}, event.Ref())
		s.False(event.ReceivedAt.IsZero())
	case <-ctx.Done():
		s.FailNow("no event consumed")
	}

	stop()
	<-done
	source.Close(context.Background())
}
