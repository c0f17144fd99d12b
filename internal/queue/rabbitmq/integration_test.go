//go:build integration

package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-importer/internal/importer"
)

type RabbitMQIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *tcrabbitmq.RabbitMQContainer
	amqpURL   string
}

func (s *RabbitMQIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := tcrabbitmq.Run(s.ctx,
		"rabbitmq:3.13-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	amqpURL, err := container.AmqpURL(s.ctx)
	s.Require().NoError(err)
	s.amqpURL = amqpURL
}

func (s *RabbitMQIntegrationSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestRabbitMQIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RabbitMQIntegrationSuite))
}

func (s *RabbitMQIntegrationSuite) TestRoundTripWithAck() {
	q, err := New(Config{URL: s.amqpURL, Exchange: "imports", QueueName: "imports-roundtrip"}, zap.NewNop())
	s.Require().NoError(err)
	defer func() { s.NoError(q.Close()) }()

	s.Require().NoError(q.Enqueue(s.ctx, importer.QueueItem{JobID: "job-1", Attempt: 1}))

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	item, err := q.Dequeue(ctx)
	s.Require().NoError(err)
	s.Equal("job-1", item.JobID)
	s.NotZero(item.DeliveryTag)
	s.NoError(q.Ack(s.ctx, item))
}

func (s *RabbitMQIntegrationSuite) TestUnackedJobIsRedelivered() {
	cfg := Config{URL: s.amqpURL, QueueName: "imports-redelivery"}
	first, err := New(cfg, zap.NewNop())
	s.Require().NoError(err)

	s.Require().NoError(first.Enqueue(s.ctx, importer.QueueItem{JobID: "job-2"}))
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	_, err = first.Dequeue(ctx)
	s.Require().NoError(err)
	s.Require().NoError(first.Close())

	second, err := New(cfg, zap.NewNop())
	s.Require().NoError(err)
	defer func() { s.NoError(second.Close()) }()
	item, err := second.Dequeue(ctx)
	s.Require().NoError(err)
	s.Equal("job-2", item.JobID)
	s.NoError(second.Ack(s.ctx, item))
}
