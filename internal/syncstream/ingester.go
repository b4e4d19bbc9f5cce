package syncstream

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/syncstream/syncstream/internal/common"
	"github.com/syncstream/syncstream/internal/common/app"
	"github.com/syncstream/syncstream/internal/database"
	"github.com/syncstream/syncstream/internal/pipeline"
	"github.com/syncstream/syncstream/internal/syncstream/configuration"
	"github.com/syncstream/syncstream/internal/syncstream/metrics"
)

// Source feeds records into the pipeline through a sender handle. It should return
// once its input is exhausted or ctx is done.
type Source interface {
	Run(ctx context.Context, sender *pipeline.Sender) error
}

// Run wires a pipeline to the configured postgres instance and streams records
// from the source into it until the source is exhausted or a SIGTERM is received.
func Run(config *configuration.SyncStreamConfiguration, src Source) error {
	return RunUntil(config, src, app.CreateContextWithShutdown())
}

// RunUntil is Run with an externally supplied lifetime, for embedders that manage
// their own cancellation.
func RunUntil(config *configuration.SyncStreamConfiguration, src Source, ctx context.Context) error {
	if err := config.Validate(); err != nil {
		return errors.WithMessage(err, "invalid configuration")
	}
	m := metrics.Get()

	log.Infof("%s: opening connection pool to postgres", config.Name)
	connector, err := database.NewPgxConnector(config.Postgres)
	if err != nil {
		return err
	}
	pool := database.NewPool(connector, config.PoolMin, config.PoolMax, config.PoolAcquireTimeout, config.PoolMaxIdleTime)
	defer func() {
		if err := pool.Close(); err != nil {
			log.WithError(err).Warn("error closing connection pool")
		}
	}()

	log.Infof("%s: testing database connectivity", config.Name)
	err = retrygo.Do(
		func() error {
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := pool.CheckConnectivity(probeCtx); err != nil {
				return err
			}
			return pool.Warm(probeCtx)
		},
		retrygo.Attempts(5),
		retrygo.Delay(time.Second),
		retrygo.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("%s: database connectivity check failed (attempt %d)", config.Name, n+1)
		}),
	)
	if err != nil {
		return errors.WithMessage(err, "could not establish an initial database connection")
	}
	log.Infof("%s: database successfully connected", config.Name)

	executor := &instrumentedExecutor{
		inner: database.NewUpsertExecutor(pool, config.ExecutionTimeout),
		m:     m,
	}
	pl := pipeline.New(pipelineConfig(config), executor, deadLetter(config.Name, m), m.Metrics)

	shutdownMetricServer := common.ServeMetrics(config.Metrics.Port)
	defer shutdownMetricServer()

	poolCtx, stopPool := context.WithCancel(context.Background())
	defer stopPool()
	go pool.Run(poolCtx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pl.Run(ctx)
	})
	g.Go(func() error {
		defer pl.Stop()
		return src.Run(ctx, pl.GetSender())
	})
	return g.Wait()
}

func pipelineConfig(config *configuration.SyncStreamConfiguration) pipeline.Config {
	return pipeline.Config{
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
	}
}

// instrumentedExecutor times successful upserts and feeds the per-row change time
// histogram.
type instrumentedExecutor struct {
	inner pipeline.Executor
	m     *metrics.Metrics
}

func (e *instrumentedExecutor) Execute(b *pipeline.Batch) (int64, error) {
	start := time.Now()
	rows, err := e.inner.Execute(b)
	if err == nil {
		e.m.RecordAvRowChangeTime(int(rows), time.Since(start))
	}
	return rows, err
}

// deadLetter is the terminal failure callback: permanently lost batches are logged
// with enough context to re-queue the work externally.
func deadLetter(name string, m *metrics.Metrics) pipeline.FailureFunc {
	return func(b *pipeline.Batch, err error) {
		var c pipeline.Classifier
		if errors.As(err, &c) {
			m.RecordDBError(c.FailureClass())
		}
		entry := log.WithError(err).WithFields(log.Fields{
			"batch":   b.Id,
			"table":   b.Table,
			"rows":    len(b.Rows),
			"columns": b.Columns,
		})
		entry.Errorf("%s: dead-lettering batch", name)
		for _, row := range b.Rows {
			entry.Debugf("%s: lost row: %v", name, row)
		}
	}
}
