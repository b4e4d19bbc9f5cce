package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Record is a single row destined for an upsert. Columns and Values are parallel
// slices; Key names the subset of columns forming the conflict target. A record is
// owned by the producer until Send returns, after which the pipeline owns it.
type Record struct {
	Table   string
	Columns []string
	Key     []string
	Values  []interface{}

	// seq is the record's position within its schema, stamped by Send. Receivers
	// pull from the shared channel concurrently, so arrival order alone does not
	// reflect send order.
	seq uint64
}

// Validate checks that the record describes a well-formed row.
func (r *Record) Validate() error {
	if r.Table == "" {
		return errors.New("record has no target table")
	}
	if len(r.Columns) == 0 {
		return errors.Errorf("record for table %s has no columns", r.Table)
	}
	if len(r.Columns) != len(r.Values) {
		return errors.Errorf(
			"record for table %s has %d columns but %d values", r.Table, len(r.Columns), len(r.Values))
	}
	if len(r.Key) == 0 {
		return errors.Errorf("record for table %s has no key columns", r.Table)
	}
	for _, k := range r.Key {
		if !contains(r.Columns, k) {
			return errors.Errorf("key column %s is not present in record for table %s", k, r.Table)
		}
	}
	return nil
}

// schemaKey identifies the (table, column shape) a record belongs to. Records with
// the same schemaKey can be merged by a single multi-row statement.
func (r *Record) schemaKey() string {
	return schemaKeyOf(r.Table, r.Columns, r.Key)
}

func schemaKeyOf(table string, columns []string, key []string) string {
	return fmt.Sprintf("%s(%s)[%s]", table, strings.Join(columns, ","), strings.Join(key, ","))
}

// Batch is an ordered set of records sharing a table and column shape. It is sealed
// by the accumulator and destroyed once it commits or fails terminally.
type Batch struct {
	Id      uuid.UUID
	Table   string
	Columns []string
	Key     []string
	Rows    [][]interface{}
	Opened  time.Time
}

func newBatch(r *Record, opened time.Time) *Batch {
	return &Batch{
		Id:      uuid.New(),
		Table:   r.Table,
		Columns: r.Columns,
		Key:     r.Key,
		Rows:    [][]interface{}{r.Values},
		Opened:  opened,
	}
}

func (b *Batch) append(r *Record) {
	b.Rows = append(b.Rows, r.Values)
}

func (b *Batch) size() int {
	return len(b.Rows)
}

func (b *Batch) schemaKey() string {
	return schemaKeyOf(b.Table, b.Columns, b.Key)
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
