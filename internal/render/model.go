// Package render classifies agent payloads into display models. It performs
// no I/O and keeps no state; display preferences are passed in.
package render

import (
	"github.com/shopspring/decimal"
)

// Stage labels the pipeline step a payload came from.
type Stage string

const (
	StageNone     Stage = ""
	StageSQL      Stage = "SQL generation"
	StageTables   Stage = "table selection"
	StageDatabase Stage = "database selection"
)

const defaultFailure = "Unknown error"

// Model is one of ErrorModel, FailureModel, StageModel, RawModel or TextModel.
type Model interface {
	model()
}

// ErrorModel is an in-band agent error.
type ErrorModel struct {
	Message string
}

// FailureModel is a payload reporting success == false.
type FailureModel struct {
	Message string
}

// StageModel carries the recognized fields of a pipeline step. Every field is
// optional.
type StageModel struct {
	Stage     Stage
	Query     string
	Databases []string
	Tables    []string
	Columns   []string
	SQL       string
	Reasons   string
	Result    *Table
}

// RawModel is a payload with no recognized field, pretty-printed.
type RawModel struct {
	JSON string
}

// TextModel is a plain line of message text.
type TextModel struct {
	Text string
}

func (ErrorModel) model()   {}
func (FailureModel) model() {}
func (StageModel) model()   {}
func (RawModel) model()     {}
func (TextModel) model()    {}

// Table is a tabular result. Columns follow the key order of the first row.
type Table struct {
	Columns []string
	Rows    [][]Cell
}

// Cell is one result value. Number is valid for numeric JSON values.
type Cell struct {
	Text   string
	Number decimal.NullDecimal
}

// Options are display preferences.
type Options struct {
	ShowReasons bool
}

// DefaultOptions shows everything.
func DefaultOptions() Options {
	return Options{ShowReasons: true}
}
