package parquet

import (
	"fmt"
	"strings"
	"time"

	"github.com/turbolytics/observer/internal"
)

type Field struct {
	Name           string
	Type           string
	ConvertedType  string
	RepetitionType string
}

type Schema []Field

// ToGoParquetSchema renders the schema as parquet-go metadata tags.
func (s Schema) ToGoParquetSchema() []string {
	schema := make([]string, len(s))
	for i, field := range s {
		parts := []string{
			fmt.Sprintf("name=%s", field.Name),
			fmt.Sprintf("type=%s", field.Type),
		}
		if field.ConvertedType != "" {
			parts = append(parts, fmt.Sprintf("convertedtype=%s", field.ConvertedType))
		}
		if field.RepetitionType != "" {
			parts = append(parts, fmt.Sprintf("repetitiontype=%s", field.RepetitionType))
		}
		schema[i] = strings.Join(parts, ", ")
	}

	return schema
}

func (s Schema) RecordToParquetRow(r *internal.Record) ([]any, error) {
	if len(s) != r.Len() {
		return nil, fmt.Errorf(
			"schema and record fields mismatch: schema has %d fields, record has %d fields",
			len(s),
			r.Len(),
		)
	}

	row := make([]any, len(s))
	values := r.Values()

	for i, field := range s {
		row[i] = values[i]
		if values[i] == nil {
			continue
		}
		switch field.ConvertedType {
		case "TIMESTAMP_MICROS":
			t, ok := values[i].(time.Time)
			if !ok {
				return nil, fmt.Errorf("field %q: expected time.Time, got %T", field.Name, values[i])
			}
			row[i] = t.UnixMicro()
		case "TIMESTAMP_MILLIS":
			t, ok := values[i].(time.Time)
			if !ok {
				return nil, fmt.Errorf("field %q: expected time.Time, got %T", field.Name, values[i])
			}
			row[i] = t.UnixMilli()
		}
	}

	return row, nil
}
