package database

import (
	"context"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	log "github.com/sirupsen/logrus"

	"github.com/syncstream/syncstream/internal/pipeline"
)

// UpsertExecutor commits batches with a single multi-row
// INSERT ... ON CONFLICT DO UPDATE statement per batch, so each batch is applied
// atomically: either every row is merged or none are.
type UpsertExecutor struct {
	pool    *Pool
	timeout time.Duration
}

func NewUpsertExecutor(pool *Pool, executionTimeout time.Duration) *UpsertExecutor {
	if executionTimeout <= 0 {
		executionTimeout = 30 * time.Second
	}
	return &UpsertExecutor{pool: pool, timeout: executionTimeout}
}

// Execute leases a connection, runs the batch's upsert statement under the
// execution timeout and returns the number of rows affected. Failures are
// classified for the retry controller; the lease is always returned.
func (e *UpsertExecutor) Execute(b *pipeline.Batch) (int64, error) {
	sql, args, err := BuildUpsert(b)
	if err != nil {
		return 0, &ExecutionError{Kind: Fatal, Table: b.Table, Cause: err}
	}

	// The timeout context is deliberately detached from pipeline shutdown: a
	// statement already executing runs to completion.
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	h, err := e.pool.Acquire(ctx)
	if err != nil {
		if _, ok := err.(pipeline.Retryable); ok {
			return 0, err
		}
		return 0, ClassifyExecError(b.Table, err)
	}

	start := time.Now()
	rows, execErr := h.Conn().Exec(ctx, sql, args...)
	e.pool.Release(h, execErr)
	if execErr != nil {
		return 0, ClassifyExecError(b.Table, execErr)
	}
	log.Debugf("upserted %d rows into %s in %s", rows, b.Table, time.Since(start))
	return rows, nil
}

// BuildUpsert renders the batch as one parameterized multi-row upsert. Non-key
// columns are updated from the excluded pseudo-table on conflict; when every
// column is part of the key the conflict is ignored instead.
func BuildUpsert(b *pipeline.Batch) (string, []interface{}, error) {
	rows := make([]interface{}, len(b.Rows))
	for i, values := range b.Rows {
		row := goqu.Record{}
		for j, col := range b.Columns {
			row[col] = values[j]
		}
		rows[i] = row
	}

	update := goqu.Record{}
	for _, col := range b.Columns {
		if !keyColumn(b.Key, col) {
			update[col] = goqu.I("excluded." + col)
		}
	}
	var conflict exp.ConflictExpression
	if len(update) == 0 {
		conflict = goqu.DoNothing()
	} else {
		conflict = goqu.DoUpdate(strings.Join(b.Key, ","), update)
	}

	return goqu.Dialect("postgres").
		Insert(b.Table).
		Prepared(true).
		Rows(rows...).
		OnConflict(conflict).
		ToSQL()
}

func keyColumn(key []string, col string) bool {
	for _, k := range key {
		if k == col {
			return true
		}
	}
	return false
}
