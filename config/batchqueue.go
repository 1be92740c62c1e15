package config

import (
	"github.com/go-playground/validator/v10"
)

// Storage backend selectors.
const (
	StorageSQL   = "sql"
	StorageRedis = "redis"
)

// Default queue names per batch type.
const (
	DefaultParallelQueue   = "batchjob"
	DefaultSequentialQueue = "chainedjobs"
)

// RedisConfig holds the Redis backend connection settings.
type RedisConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port" validate:"omitempty,gte=1,lte=65535"`
	Database    int    `json:"database" validate:"gte=0"`
	Password    string `json:"password"`
	Persistent  bool   `json:"persistent"`
	Timeout     int    `json:"timeout" validate:"gte=0"`
	ReadTimeout int    `json:"read_timeout" validate:"gte=0"`
	Prefix      string `json:"prefix"`
	TTL         int    `json:"ttl" validate:"gte=0"` // seconds
}

// SQLConfig names the SQL connection the host application provides.
type SQLConfig struct {
	Connection string `json:"connection"`
}

// QueueSettings is the resolution target for a named or per-type queue.
type QueueSettings struct {
	QueueConfig string `json:"queue_config"`
	Processor   string `json:"processor" validate:"omitempty,oneof=parallel sequential"`
}

// DefaultQueues names the fallback queue per batch type.
type DefaultQueues struct {
	Parallel   string `json:"parallel"`
	Sequential string `json:"sequential"`
}

// QueuesConfig maps logical batch types and operator-visible queue names
// to concrete queue names.
type QueuesConfig struct {
	Default DefaultQueues            `json:"default"`
	Named   map[string]QueueSettings `json:"named"`
	Types   map[string]QueueSettings `json:"types"`
}

// DefaultsConfig carries per-batch option defaults.
type DefaultsConfig struct {
	FailOnFirstError bool `json:"fail_on_first_error"`
	MaxRetries       int  `json:"max_retries" validate:"gte=0"`
	Timeout          int  `json:"timeout" validate:"gte=0"`
}

// CleanupConfig controls the periodic removal of old terminal batches.
type CleanupConfig struct {
	Enabled       bool `json:"enabled"`
	OlderThanDays int  `json:"older_than_days" validate:"gte=0"`
	RunInterval   int  `json:"run_interval" validate:"gte=0"` // seconds
}

// BatchQueueConfig is the full configuration of the orchestrator. It is
// loaded once at startup and threaded through NewBatchManager as a value;
// there is no process-wide config singleton.
type BatchQueueConfig struct {
	Storage string `json:"storage" validate:"required,oneof=sql redis"`

	SQL   SQLConfig   `json:"sql"`
	Redis RedisConfig `json:"redis"`

	Queue struct {
		Name string `json:"name"`
	} `json:"queue"`

	Defaults DefaultsConfig `json:"defaults"`
	Cleanup  CleanupConfig  `json:"cleanup"`
	Queues   QueuesConfig   `json:"queues"`

	// TerminalSticky keeps a batch's terminal status from being
	// overwritten by later counter updates. Nil means true; set to false
	// only to restore the legacy whichever-commits-last behavior.
	TerminalSticky *bool `json:"terminal_sticky,omitempty"`
}

// SetDefaults fills the zero-valued fields that have documented defaults.
func (c *BatchQueueConfig) SetDefaults() {
	if c.Storage == "" {
		c.Storage = StorageRedis
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "batch:"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * 60 * 60
	}
	if c.Queues.Default.Parallel == "" {
		c.Queues.Default.Parallel = DefaultParallelQueue
	}
	if c.Queues.Default.Sequential == "" {
		c.Queues.Default.Sequential = DefaultSequentialQueue
	}
	if c.Cleanup.OlderThanDays == 0 {
		c.Cleanup.OlderThanDays = 7
	}
	if c.Cleanup.RunInterval == 0 {
		c.Cleanup.RunInterval = 3600
	}
}

// StickyTerminal resolves the sticky toggle with its default.
func (c *BatchQueueConfig) StickyTerminal() bool {
	if c.TerminalSticky == nil {
		return true
	}
	return *c.TerminalSticky
}

// Validate checks the configuration after defaulting.
func (c *BatchQueueConfig) Validate() error {
	return validator.New().Struct(c)
}
