// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package rowjson

import (
	"bytes"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Metadata field names injected into every serialized record.
const (
	FieldArchivedAt     = "_archived_at"
	FieldBatchID        = "_batch_id"
	FieldSourceDatabase = "_source_database"
	FieldSourceTable    = "_source_table"
)

// RecordMeta identifies the batch a serialized record belongs to.
type RecordMeta struct {
	BatchID    string
	Database   string
	Table      string
	ArchivedAt time.Time
}

// Serializer converts rows into canonical JSON records.
type Serializer struct {
	log *zap.Logger
}

// NewSerializer creates a serializer.
func NewSerializer(log *zap.Logger) *Serializer {
	return &Serializer{log: log}
}

// SerializeRow renders one row as a single JSON object with the batch
// metadata fields appended. The output contains no trailing newline.
func (s *Serializer) SerializeRow(row Row, meta RecordMeta) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, field := range row.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if field.Value.Kind() == KindUnknown {
			s.log.Warn("unknown column type, serialized as string",
				zap.String("column", field.Name),
				zap.String("value", truncate(field.Value.String(), 100)))
		}
		if err := writeField(&buf, field.Name, field.Value); err != nil {
			return nil, err
		}
	}

	archived := Timestamp(meta.ArchivedAt.UTC())
	metaFields := []Field{
		{Name: FieldArchivedAt, Value: archived},
		{Name: FieldBatchID, Value: String(meta.BatchID)},
		{Name: FieldSourceDatabase, Value: String(meta.Database)},
		{Name: FieldSourceTable, Value: String(meta.Table)},
	}
	for _, field := range metaFields {
		if len(row.Fields) > 0 || field.Name != FieldArchivedAt {
			buf.WriteByte(',')
		}
		if err := writeField(&buf, field.Name, field.Value); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, name string, value Value) error {
	encodedName, err := json.Marshal(name)
	if err != nil {
		return Error.Wrap(err)
	}
	buf.Write(encodedName)
	buf.WriteByte(':')
	encodedValue, err := value.MarshalJSON()
	if err != nil {
		return Error.Wrap(err)
	}
	buf.Write(encodedValue)
	return nil
}

// ToJSONL renders rows as JSONL: one record per line, newline separated,
// no trailing delimiter.
func (s *Serializer) ToJSONL(rows []Row, meta RecordMeta) ([]byte, error) {
	var buf bytes.Buffer
	for i, row := range rows {
		if i > 0 {
			buf.WriteByte('\n')
		}
		line, err := s.SerializeRow(row, meta)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

// CountJSONLLines counts records in a JSONL buffer: the number of newlines,
// plus one when the buffer is non-empty and does not end in a newline.
func CountJSONLLines(data []byte) int {
	count := bytes.Count(data, []byte{'\n'})
	if len(data) > 0 && data[len(data)-1] != '\n' {
		count++
	}
	return count
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
