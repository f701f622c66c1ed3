package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrNotObject is returned by Classify for payloads that are not JSON objects.
var ErrNotObject = errors.New("payload is not a JSON object")

var recognized = []string{"query", "database", "databases", "tables", "relevant_tables", "columns", "SQL", "reasons", "result"}

// Classify maps a JSON object to its display model.
//
// error wins over success == false, which wins over the stage fields. The
// stage label is chosen in the order SQL, tables/relevant_tables, database.
// An object with none of the recognized fields becomes a RawModel.
func Classify(raw json.RawMessage, opts Options) (Model, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, ErrNotObject
	}

	if v, ok := obj["error"]; ok && truthy(v) {
		return ErrorModel{Message: text(v)}, nil
	}
	if v, ok := obj["success"]; ok && string(bytes.TrimSpace(v)) == "false" {
		msg := defaultFailure
		if m, ok := obj["message"]; ok && truthy(m) {
			msg = text(m)
		}
		return FailureModel{Message: msg}, nil
	}

	known := false
	for _, k := range recognized {
		if v, ok := obj[k]; ok && truthy(v) {
			known = true
			break
		}
	}
	if !known {
		return RawModel{JSON: pretty(raw)}, nil
	}

	m := StageModel{
		Query:     field(obj, "query"),
		Databases: list(obj, "database", "databases"),
		Tables:    list(obj, "tables", "relevant_tables"),
		Columns:   list(obj, "columns"),
		SQL:       field(obj, "SQL"),
	}
	if opts.ShowReasons {
		m.Reasons = field(obj, "reasons")
	}
	if v, ok := obj["result"]; ok && truthy(v) {
		t, err := parseTable(v)
		if err != nil {
			return nil, fmt.Errorf("result: %w", err)
		}
		m.Result = t
	}

	switch {
	case present(obj, "SQL"):
		m.Stage = StageSQL
	case present(obj, "tables") || present(obj, "relevant_tables"):
		m.Stage = StageTables
	case present(obj, "database"):
		m.Stage = StageDatabase
	}
	return m, nil
}

// ParseTable decodes a list of records into a Table.
func ParseTable(raw json.RawMessage) (*Table, error) {
	return parseTable(raw)
}

func parseTable(raw json.RawMessage) (*Table, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("not a list of records: %w", err)
	}
	t := &Table{}
	for i, r := range rows {
		keys, values, err := orderedObject(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if i == 0 {
			t.Columns = keys
		}
		row := make([]Cell, len(t.Columns))
		for j, col := range t.Columns {
			if v, ok := values[col]; ok {
				row[j] = cell(v)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// orderedObject returns the keys of a JSON object in wire order.
func orderedObject(raw json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, ErrNotObject
	}
	var keys []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, dup := values[key]; !dup {
			keys = append(keys, key)
		}
		values[key] = v
	}
	return keys, values, nil
}

func cell(v json.RawMessage) Cell {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || string(v) == "null" {
		return Cell{}
	}
	switch v[0] {
	case '"':
		return Cell{Text: text(v)}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		if d, err := decimal.NewFromString(string(v)); err == nil {
			return Cell{Text: d.String(), Number: decimal.NullDecimal{Decimal: d, Valid: true}}
		}
	}
	return Cell{Text: compact(v)}
}

func present(obj map[string]json.RawMessage, key string) bool {
	v, ok := obj[key]
	return ok && truthy(v)
}

// truthy treats null, false, 0 and "" as absent.
func truthy(v json.RawMessage) bool {
	switch s := string(bytes.TrimSpace(v)); s {
	case "", "null", "false", `""`:
		return false
	default:
		if d, err := decimal.NewFromString(s); err == nil {
			return !d.IsZero()
		}
		return true
	}
}

func field(obj map[string]json.RawMessage, key string) string {
	if v, ok := obj[key]; ok && truthy(v) {
		return text(v)
	}
	return ""
}

// list reads the first present key as a string list; a scalar becomes a
// single entry.
func list(obj map[string]json.RawMessage, keys ...string) []string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || !truthy(v) {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(v, &items); err != nil {
			return []string{text(v)}
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, text(it))
		}
		return out
	}
	return nil
}

// text renders strings unquoted and anything else as compact JSON.
func text(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return compact(v)
}

func compact(v json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Compact(&b, v); err != nil {
		return strings.TrimSpace(string(v))
	}
	return b.String()
}

func pretty(v json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Indent(&b, v, "", "  "); err != nil {
		return strings.TrimSpace(string(v))
	}
	return b.String()
}
