package chart

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNoRows = errors.New("no rows to chart")

// Table is query output with columns in their original order.
type Table struct {
	Columns []string
	Rows    [][]any
}

// DecodeTable accepts data as an array of records or an array of arrays.
// Numbers decode as json.Number. When columns is empty the column order comes
// from the record keys in the order they first appear.
func DecodeTable(data, columns json.RawMessage) (Table, error) {
	var elements []json.RawMessage
	if err := decodeNumbers(data, &elements); err != nil {
		return Table{}, fmt.Errorf("decode data: %w", err)
	}
	if len(elements) == 0 {
		return Table{}, ErrNoRows
	}
	names, err := decodeColumns(columns)
	if err != nil {
		return Table{}, err
	}

	table := Table{Columns: names}
	known := map[string]bool{}
	for _, name := range names {
		known[name] = true
	}
	records := make([]map[string]any, 0, len(elements))
	for i, element := range elements {
		element = bytes.TrimSpace(element)
		switch {
		case len(element) > 0 && element[0] == '{':
			keys, err := objectKeys(element)
			if err != nil {
				return Table{}, fmt.Errorf("decode row %d: %w", i, err)
			}
			for _, key := range keys {
				if !known[key] && len(names) == 0 {
					known[key] = true
					table.Columns = append(table.Columns, key)
				}
			}
			record := map[string]any{}
			if err := decodeNumbers(element, &record); err != nil {
				return Table{}, fmt.Errorf("decode row %d: %w", i, err)
			}
			records = append(records, record)
		case len(element) > 0 && element[0] == '[':
			var row []any
			if err := decodeNumbers(element, &row); err != nil {
				return Table{}, fmt.Errorf("decode row %d: %w", i, err)
			}
			table.Rows = append(table.Rows, row)
		default:
			return Table{}, fmt.Errorf("decode row %d: expected object or array", i)
		}
	}
	for _, record := range records {
		row := make([]any, len(table.Columns))
		for j, column := range table.Columns {
			row[j] = record[column]
		}
		table.Rows = append(table.Rows, row)
	}
	if len(table.Columns) == 0 {
		width := 0
		for _, row := range table.Rows {
			width = max(width, len(row))
		}
		for j := 0; j < width; j++ {
			table.Columns = append(table.Columns, fmt.Sprintf("column_%d", j+1))
		}
	}
	return table, nil
}

func decodeColumns(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names, nil
	}
	var described []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &described); err != nil {
		return nil, fmt.Errorf("decode columns: %w", err)
	}
	fromObjects := make([]string, len(described))
	for i, column := range described {
		fromObjects[i] = column.Name
	}
	return fromObjects, nil
}

func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var keys []string
	for dec.More() {
		token, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := token.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key %v", token)
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func decodeNumbers(raw []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(target)
}
