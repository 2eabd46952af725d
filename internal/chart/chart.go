// Package chart turns tabular query output into a small chart description
// and a plain-language summary of it.
package chart

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	TypeBar   = "bar"
	TypeLine  = "line"
	TypeTable = "table"
)

// MaxTableRows bounds the rows embedded in a table chart.
const MaxTableRows = 50

// Spec is the chart description returned by explain_chart.
type Spec struct {
	Type    string    `json:"type"`
	Title   string    `json:"title"`
	X       string    `json:"x,omitempty"`
	Y       string    `json:"y,omitempty"`
	Labels  []string  `json:"labels,omitempty"`
	Values  []float64 `json:"values,omitempty"`
	Columns []string  `json:"columns,omitempty"`
	Rows    [][]any   `json:"rows,omitempty"`
}

var temporalName = regexp.MustCompile(`(?i)(date|time|day|week|month|quarter|year|period|^ts$|_at$)`)

var temporalLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
	"2006/01/02",
	"Jan 2006",
	"January 2006",
}

// Derive picks the category and value axes with pickAxes. Temporal
// categories produce a line chart, other categories a bar chart, and output
// without a numeric column a table.
func Derive(prompt string, table Table) (Spec, string, error) {
	if len(table.Rows) == 0 {
		return Spec{}, "", ErrNoRows
	}
	title := strings.TrimSpace(prompt)

	category, value := pickAxes(table)

	if value < 0 {
		return tableSpec(title, table), tableExplanation(table), nil
	}

	spec := Spec{Type: TypeBar, Title: title, Y: table.Columns[value]}
	if category >= 0 {
		spec.X = table.Columns[category]
		if columnIsTemporal(table, category) {
			spec.Type = TypeLine
		}
	}
	if title == "" {
		spec.Title = spec.Y
		if spec.X != "" {
			spec.Title = spec.Y + " by " + spec.X
		}
	}
	for i, row := range table.Rows {
		label := strconv.Itoa(i + 1)
		if category >= 0 {
			label = formatCell(cell(row, category))
		}
		number, ok := toFloat(cell(row, value))
		if !ok {
			continue
		}
		spec.Labels = append(spec.Labels, label)
		spec.Values = append(spec.Values, number)
	}
	return spec, seriesExplanation(spec), nil
}

// pickAxes returns the category and value column indexes, -1 when absent.
// The value is the first numeric column, skipping numeric columns named like
// a period (year, month, ...) while another numeric column exists. The
// category is the first non-numeric column, or else the first such
// period-named numeric column.
func pickAxes(table Table) (category, value int) {
	category, value = -1, -1
	var numeric, periods []int
	for i, name := range table.Columns {
		if !columnIsNumeric(table, i) {
			if category < 0 {
				category = i
			}
			continue
		}
		numeric = append(numeric, i)
		if temporalName.MatchString(name) {
			periods = append(periods, i)
		}
	}
	if len(numeric) == 0 {
		return category, -1
	}
	value = numeric[0]
	if len(numeric) > len(periods) {
		for _, i := range numeric {
			if !temporalName.MatchString(table.Columns[i]) {
				value = i
				break
			}
		}
	}
	if category < 0 {
		for _, i := range periods {
			if i != value {
				category = i
				break
			}
		}
	}
	return category, value
}

func tableSpec(title string, table Table) Spec {
	rows := table.Rows
	if len(rows) > MaxTableRows {
		rows = rows[:MaxTableRows]
	}
	if title == "" {
		title = "Query result"
	}
	return Spec{Type: TypeTable, Title: title, Columns: table.Columns, Rows: rows}
}

func tableExplanation(table Table) string {
	return fmt.Sprintf("The result has %s and %s but no numeric column to plot, so it is shown as a table.",
		plural(len(table.Rows), "row"), plural(len(table.Columns), "column"))
}

func seriesExplanation(spec Spec) string {
	if len(spec.Values) == 0 {
		return fmt.Sprintf("No numeric values were found in %s.", spec.Y)
	}
	if len(spec.Values) == 1 {
		if spec.X == "" {
			return fmt.Sprintf("%s is %s.", spec.Y, formatFloat(spec.Values[0]))
		}
		return fmt.Sprintf("%s is %s for %s.", spec.Y, formatFloat(spec.Values[0]), spec.Labels[0])
	}

	high, low := 0, 0
	total := 0.0
	for i, v := range spec.Values {
		if v > spec.Values[high] {
			high = i
		}
		if v < spec.Values[low] {
			low = i
		}
		total += v
	}
	subject := spec.Y
	if spec.X != "" {
		subject = spec.Y + " by " + spec.X
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s across %s. ", subject, plural(len(spec.Values), "point"))
	fmt.Fprintf(&b, "Highest is %s (%s); lowest is %s (%s). ",
		spec.Labels[high], formatFloat(spec.Values[high]), spec.Labels[low], formatFloat(spec.Values[low]))
	if spec.Type == TypeLine {
		first, last := spec.Values[0], spec.Values[len(spec.Values)-1]
		switch {
		case last > first:
			fmt.Fprintf(&b, "It rose from %s to %s over the period.", formatFloat(first), formatFloat(last))
		case last < first:
			fmt.Fprintf(&b, "It fell from %s to %s over the period.", formatFloat(first), formatFloat(last))
		default:
			fmt.Fprintf(&b, "It ended where it started at %s.", formatFloat(first))
		}
	} else {
		fmt.Fprintf(&b, "The total is %s.", formatFloat(total))
	}
	return b.String()
}

func columnIsNumeric(table Table, column int) bool {
	seen := false
	for _, row := range table.Rows {
		value := cell(row, column)
		if value == nil {
			continue
		}
		if _, ok := toFloat(value); !ok {
			return false
		}
		seen = true
	}
	return seen
}

func columnIsTemporal(table Table, column int) bool {
	if temporalName.MatchString(table.Columns[column]) {
		return true
	}
	seen := false
	for _, row := range table.Rows {
		value, ok := cell(row, column).(string)
		if !ok {
			continue
		}
		if !parsesAsTime(strings.TrimSpace(value)) {
			return false
		}
		seen = true
	}
	return seen
}

func parsesAsTime(value string) bool {
	for _, layout := range temporalLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	return false
}

func cell(row []any, column int) any {
	if column < 0 || column >= len(row) {
		return nil
	}
	return row[column]
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case json.Number:
		f, err := typed.Float64()
		return f, err == nil
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return 0, false
	}
}

func formatCell(value any) string {
	switch typed := value.(type) {
	case nil:
		return "(null)"
	case string:
		return typed
	case json.Number:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

func formatFloat(value float64) string {
	if value == math.Trunc(value) && math.Abs(value) < 1e15 {
		return strconv.FormatFloat(value, 'f', 0, 64)
	}
	return strconv.FormatFloat(value, 'f', 2, 64)
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}
