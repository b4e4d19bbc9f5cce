package configuration

import (
	"time"

	"github.com/syncstream/syncstream/internal/database"
)

type MetricsConfig struct {
	Port uint16
}

type SyncStreamConfiguration struct {
	// Name tags every log line produced by this pipeline instance.
	Name string `validate:"required"`
	// Database configuration
	Postgres database.PostgresConfig
	// Metrics configuration
	Metrics MetricsConfig

	// Capacity of the shared channel between producers and receivers. Producers
	// block once this many records are in flight.
	ChannelCapacity int `validate:"gt=0"`
	// Bounds on the elastic receiver pool
	MinReceivers int `validate:"gt=0"`
	MaxReceivers int `validate:"gtefield=MinReceivers"`
	// Number of records batched together before being upserted into the database
	MaxBatchSize int `validate:"gt=0"`
	// Maximum time since a batch was opened before it is upserted regardless of size
	MaxBatchAge time.Duration `validate:"gt=0"`
	// Connection pool bounds; connections are established lazily up to PoolMax
	PoolMin int `validate:"gte=0"`
	PoolMax int `validate:"gt=0,gtefield=PoolMin"`
	// Time to wait for a pooled connection before reporting exhaustion
	PoolAcquireTimeout time.Duration `validate:"gt=0"`
	// Idle connections older than this are evicted by the pool health check
	PoolMaxIdleTime time.Duration
	// Exponential backoff parameters for transient database failures
	RetryBaseDelay   time.Duration `validate:"gt=0"`
	RetryCap         time.Duration `validate:"gtefield=RetryBaseDelay"`
	RetryMaxAttempts int           `validate:"gt=0"`
	// Per-statement execution timeout
	ExecutionTimeout time.Duration `validate:"gt=0"`
	// Bound on the shutdown drain; work still outstanding afterwards is reported
	// to the failure callback rather than waited on forever
	DrainTimeout time.Duration `validate:"gt=0"`
	// Receiver scaling: channel occupancy is sampled every ScaleInterval and the
	// receiver count changes after ScaleSustainedSamples consecutive samples
	// beyond a watermark
	ScaleInterval         time.Duration
	ScaleHighWatermark    float64 `validate:"gte=0,lte=1"`
	ScaleLowWatermark     float64 `validate:"gte=0,ltefield=ScaleHighWatermark"`
	ScaleSustainedSamples int
}
