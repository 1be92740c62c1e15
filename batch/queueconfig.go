package batch

import (
	"github.com/remiges-tech/batchq/batch/store"
	"github.com/remiges-tech/batchq/config"
)

// QueueConfigService resolves a batch's logical type and optional named
// queue to the concrete queue name its messages are pushed on.
type QueueConfigService struct {
	cfg *config.BatchQueueConfig
}

// NewQueueConfigService wraps the loaded configuration.
func NewQueueConfigService(cfg *config.BatchQueueConfig) *QueueConfigService {
	return &QueueConfigService{cfg: cfg}
}

// Resolve applies the priority order: explicit queue config, named queue
// mapping, per-type override, built-in default.
func (s *QueueConfigService) Resolve(typ store.BatchType, queueName, queueConfig string) string {
	if queueConfig != "" {
		return queueConfig
	}
	if s.cfg != nil {
		if queueName != "" {
			if named, ok := s.cfg.Queues.Named[queueName]; ok && named.QueueConfig != "" {
				return named.QueueConfig
			}
		}
		if typed, ok := s.cfg.Queues.Types[string(typ)]; ok && typed.QueueConfig != "" {
			return typed.QueueConfig
		}
		if typ == store.TypeSequential && s.cfg.Queues.Default.Sequential != "" {
			return s.cfg.Queues.Default.Sequential
		}
		if typ == store.TypeParallel && s.cfg.Queues.Default.Parallel != "" {
			return s.cfg.Queues.Default.Parallel
		}
	}
	if typ == store.TypeSequential {
		return config.DefaultSequentialQueue
	}
	return config.DefaultParallelQueue
}
