package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() SyncStreamConfiguration {
	return SyncStreamConfiguration{
		Name:               "syncstream",
		ChannelCapacity:    1024,
		MinReceivers:       1,
		MaxReceivers:       4,
		MaxBatchSize:       500,
		MaxBatchAge:        time.Second,
		PoolMin:            1,
		PoolMax:            8,
		PoolAcquireTimeout: 10 * time.Second,
		PoolMaxIdleTime:    5 * time.Minute,
		RetryBaseDelay:     100 * time.Millisecond,
		RetryCap:           30 * time.Second,
		RetryMaxAttempts:   5,
		ExecutionTimeout:   30 * time.Second,
		DrainTimeout:       30 * time.Second,
		ScaleInterval:      time.Second,
		ScaleHighWatermark: 0.75,
		ScaleLowWatermark:  0.05,
	}
}

func TestValidate_AcceptsValidConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_RejectsInvalidConfigs(t *testing.T) {
	tests := map[string]func(c *SyncStreamConfiguration){
		"missing name":                   func(c *SyncStreamConfiguration) { c.Name = "" },
		"zero channel capacity":          func(c *SyncStreamConfiguration) { c.ChannelCapacity = 0 },
		"zero receivers":                 func(c *SyncStreamConfiguration) { c.MinReceivers = 0 },
		"max receivers below min":        func(c *SyncStreamConfiguration) { c.MaxReceivers = 0 },
		"zero batch size":                func(c *SyncStreamConfiguration) { c.MaxBatchSize = 0 },
		"zero batch age":                 func(c *SyncStreamConfiguration) { c.MaxBatchAge = 0 },
		"pool max below pool min":        func(c *SyncStreamConfiguration) { c.PoolMax = 0 },
		"zero acquire timeout":           func(c *SyncStreamConfiguration) { c.PoolAcquireTimeout = 0 },
		"retry cap below base delay":     func(c *SyncStreamConfiguration) { c.RetryCap = time.Millisecond },
		"zero retry attempts":            func(c *SyncStreamConfiguration) { c.RetryMaxAttempts = 0 },
		"zero execution timeout":         func(c *SyncStreamConfiguration) { c.ExecutionTimeout = 0 },
		"zero drain timeout":             func(c *SyncStreamConfiguration) { c.DrainTimeout = 0 },
		"high watermark above one":       func(c *SyncStreamConfiguration) { c.ScaleHighWatermark = 1.5 },
		"low watermark above high":       func(c *SyncStreamConfiguration) { c.ScaleLowWatermark = 0.9 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
