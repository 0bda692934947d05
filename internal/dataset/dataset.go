// Package dataset defines the training dataset model: a schema of ordered,
// typed columns and an immutable collection of rows loaded once per run.
package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ColumnType classifies a schema column.
type ColumnType string

const (
	ColumnNumeric     ColumnType = "numeric"
	ColumnCategorical ColumnType = "categorical"
	ColumnLabel       ColumnType = "label"
)

// Column is a named, typed schema entry.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is the ordered set of columns a dataset must conform to.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Column returns the column with the given name.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// FeatureColumns returns the non-label columns in schema order.
func (s Schema) FeatureColumns() []Column {
	cols := make([]Column, 0, len(s.Columns))
	for _, c := range s.Columns {
		if c.Type != ColumnLabel {
			cols = append(cols, c)
		}
	}
	return cols
}

// LabelColumn returns the label column, if the schema declares one.
func (s Schema) LabelColumn() (Column, bool) {
	for _, c := range s.Columns {
		if c.Type == ColumnLabel {
			return c, true
		}
	}
	return Column{}, false
}

// Value is a single cell. Missing values carry neither number nor text.
type Value struct {
	Number  float64
	Text    string
	Missing bool
}

// Row maps column name to value. Iteration order comes from the schema, not
// the map.
type Row map[string]Value

// Dataset is an immutable row collection with its schema and the column
// names actually observed at load time.
type Dataset struct {
	Schema Schema
	Header []string
	Rows   []Row
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.Rows) }

// NumericValues returns the non-missing values of a numeric column.
func (d *Dataset) NumericValues(name string) []float64 {
	out := make([]float64, 0, len(d.Rows))
	for _, row := range d.Rows {
		if v, ok := row[name]; ok && !v.Missing {
			out = append(out, v.Number)
		}
	}
	return out
}

// labelColumnName is the conventional label column for schema inference.
const labelColumnName = "label"

// LoadCSV reads a dataset from a CSV file with a header row. When schema is
// nil, one is inferred: a column named "label" becomes the label, columns
// whose non-empty cells all parse as numbers are numeric, the rest are
// categorical. Empty cells are missing values.
func LoadCSV(path string, schema *Schema) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("dataset %s has no data rows", path)
	}

	header := records[0]
	body := records[1:]

	if schema == nil {
		inferred := inferSchema(header, body)
		schema = &inferred
	}

	rows := make([]Row, 0, len(body))
	for i, rec := range body {
		row := make(Row, len(header))
		for j, name := range header {
			col, declared := schema.Column(name)
			if !declared {
				continue // undeclared columns are ignored, not rejected
			}
			cell := strings.TrimSpace(rec[j])
			if cell == "" {
				row[name] = Value{Missing: true}
				continue
			}
			switch col.Type {
			case ColumnNumeric, ColumnLabel:
				n, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, fmt.Errorf("row %d column %s: %q is not numeric", i+2, name, cell)
				}
				row[name] = Value{Number: n}
			default:
				row[name] = Value{Text: cell}
			}
		}
		rows = append(rows, row)
	}

	return &Dataset{Schema: *schema, Header: header, Rows: rows}, nil
}

func inferSchema(header []string, body [][]string) Schema {
	schema := Schema{Columns: make([]Column, 0, len(header))}
	for j, name := range header {
		if name == labelColumnName {
			schema.Columns = append(schema.Columns, Column{Name: name, Type: ColumnLabel})
			continue
		}
		numeric := true
		for _, rec := range body {
			cell := strings.TrimSpace(rec[j])
			if cell == "" {
				continue
			}
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				numeric = false
				break
			}
		}
		colType := ColumnCategorical
		if numeric {
			colType = ColumnNumeric
		}
		schema.Columns = append(schema.Columns, Column{Name: name, Type: colType})
	}
	return schema
}
