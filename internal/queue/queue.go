// Package queue selects the import job queue backend.
package queue

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-importer/internal/importer"
	"github.com/JakeFAU/review-importer/internal/queue/memory"
	"github.com/JakeFAU/review-importer/internal/queue/rabbitmq"
)

// Backend names accepted by New.
const (
	BackendMemory   = "memory"
	BackendRabbitMQ = "rabbitmq"
)

// Queue is an importer.Queue that owns connections to release on shutdown.
type Queue interface {
	importer.Queue
	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	Backend  string
	Depth    int
	RabbitMQ rabbitmq.Config
}

// New builds the configured queue backend.
func New(cfg Config, logger *zap.Logger) (Queue, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		depth := cfg.Depth
		if depth <= 0 {
			depth = 64
		}
		return memory.NewQueue(depth), nil
	case BackendRabbitMQ:
		q, err := rabbitmq.New(cfg.RabbitMQ, logger)
		if err != nil {
			return nil, fmt.Errorf("open rabbitmq queue: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
