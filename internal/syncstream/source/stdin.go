// Package source contains record producers that feed a pipeline.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/syncstream/syncstream/internal/pipeline"
)

// maxLineSize bounds a single JSON record line read from the input.
const maxLineSize = 4 * 1024 * 1024

// RecordEnvelope is the wire shape of one record: a target table, the key columns
// and a column/value mapping.
type RecordEnvelope struct {
	Table  string                 `json:"table"`
	Key    []string               `json:"key"`
	Values map[string]interface{} `json:"values"`
}

// ToRecord converts the envelope to a pipeline record. Columns are sorted so that
// records with the same value set always share a batch schema.
func (e *RecordEnvelope) ToRecord() *pipeline.Record {
	columns := make([]string, 0, len(e.Values))
	for col := range e.Values {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	values := make([]interface{}, len(columns))
	for i, col := range columns {
		values[i] = e.Values[col]
	}
	return &pipeline.Record{
		Table:   e.Table,
		Columns: columns,
		Key:     e.Key,
		Values:  values,
	}
}

// ReaderSource reads newline-delimited JSON record envelopes from a reader and
// pushes them onto the pipeline, blocking under backpressure. Malformed lines are
// counted and skipped, never fatal.
type ReaderSource struct {
	reader io.Reader
}

func NewStdinSource() *ReaderSource {
	return FromReader(os.Stdin)
}

func FromReader(r io.Reader) *ReaderSource {
	return &ReaderSource{reader: r}
}

func (s *ReaderSource) Run(ctx context.Context, sender *pipeline.Sender) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var sent, skipped int64
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var envelope RecordEnvelope
		if err := json.Unmarshal(line, &envelope); err != nil {
			log.WithError(err).Warn("skipping malformed input line")
			skipped++
			continue
		}
		if err := sender.Send(envelope.ToRecord()); err != nil {
			if errors.Is(err, pipeline.ErrPipelineClosed) {
				break
			}
			log.WithError(err).Warnf("skipping invalid record for table %s", envelope.Table)
			skipped++
			continue
		}
		sent++
	}
	log.Infof("input exhausted: %d records sent, %d skipped", sent, skipped)
	return scanner.Err()
}
