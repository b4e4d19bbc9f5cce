// Package benchmark drives the pipeline with synthetic load so that channel,
// batching and scaling behaviour can be measured without a database.
package benchmark

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/syncstream/syncstream/internal/pipeline"
	"github.com/syncstream/syncstream/internal/syncstream/configuration"
	"github.com/syncstream/syncstream/internal/syncstream/metrics"
)

const (
	producers          = 4
	recordsPerProducer = 250_000
	simulatedLatency   = 2 * time.Millisecond
)

// sleepExecutor stands in for the database: it sleeps for a simulated statement
// latency and reports every row merged.
type sleepExecutor struct {
	latency time.Duration
}

func (e *sleepExecutor) Execute(b *pipeline.Batch) (int64, error) {
	time.Sleep(e.latency)
	return int64(len(b.Rows)), nil
}

// RunBenchmark pushes synthetic records through a pipeline built from config and
// logs throughput and the final counter snapshot.
func RunBenchmark(config *configuration.SyncStreamConfiguration) {
	m := metrics.Get()
	pl := pipeline.New(pipeline.Config{
		Name:                  config.Name,
		ChannelCapacity:       config.ChannelCapacity,
		MinReceivers:          config.MinReceivers,
		MaxReceivers:          config.MaxReceivers,
		MaxBatchSize:          config.MaxBatchSize,
		MaxBatchAge:           config.MaxBatchAge,
		RetryBaseDelay:        config.RetryBaseDelay,
		RetryCap:              config.RetryCap,
		RetryMaxAttempts:      config.RetryMaxAttempts,
		DrainTimeout:          config.DrainTimeout,
		ScaleInterval:         config.ScaleInterval,
		ScaleHighWatermark:    config.ScaleHighWatermark,
		ScaleLowWatermark:     config.ScaleLowWatermark,
		ScaleSustainedSamples: config.ScaleSustainedSamples,
	}, &sleepExecutor{latency: simulatedLatency}, nil, m.Metrics)

	done := make(chan error, 1)
	go func() {
		done <- pl.Run(context.Background())
	}()

	start := time.Now()
	wg := sync.WaitGroup{}
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			sender := pl.GetSender()
			for j := 0; j < recordsPerProducer; j++ {
				err := sender.Send(&pipeline.Record{
					Table:   "benchmark",
					Columns: []string{"id", "producer", "value"},
					Key:     []string{"id"},
					Values:  []interface{}{uuid.NewString(), producer, rand.Int63()},
				})
				if err != nil {
					log.WithError(err).Errorf("producer %d stopping early", producer)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	pl.Stop()
	if err := <-done; err != nil {
		log.WithError(err).Error("benchmark pipeline did not drain cleanly")
	}

	elapsed := time.Since(start)
	s := pl.Stats()
	log.Infof("benchmark complete in %s: %d records accepted (%.0f records/s), %d batches committed, %d failed",
		elapsed, s.RecordsAccepted, float64(s.RecordsAccepted)/elapsed.Seconds(), s.BatchesCommitted, s.BatchesFailed)
}
