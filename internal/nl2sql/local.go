package nl2sql

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var wordPattern = regexp.MustCompile(`[a-z0-9_]+`)

var aggregateKeywords = []struct {
	function string
	words    []string
}{
	{function: "AVG", words: []string{"average", "avg", "mean"}},
	{function: "COUNT", words: []string{"count", "number", "many"}},
	{function: "MAX", words: []string{"max", "maximum", "highest", "largest", "top"}},
	{function: "MIN", words: []string{"min", "minimum", "lowest", "smallest"}},
	{function: "SUM", words: []string{"sum", "total"}},
}

// LocalTranslator needs no model. Read-only SQL passes through unchanged;
// anything else becomes a grouped aggregate built from words in the prompt
// that match table and column names.
type LocalTranslator struct{}

func NewLocalTranslator() *LocalTranslator {
	return &LocalTranslator{}
}

func (t *LocalTranslator) Translate(_ context.Context, req Request) (Result, error) {
	prompt := strings.TrimSpace(req.NaturalLanguage)
	if prompt == "" {
		return Result{}, fmt.Errorf("prompt is required")
	}
	if looksLikeSQL(prompt) {
		return Result{SQL: prompt, Provider: "local", Model: "passthrough"}, nil
	}
	if len(req.Tables) == 0 {
		return Result{}, ErrNoTables
	}

	words := promptWords(prompt)
	table := pickTable(req.Tables, words)
	numeric, categorical := classifyColumns(table)

	function := "COUNT"
	for _, candidate := range aggregateKeywords {
		if containsAny(words, candidate.words) {
			function = candidate.function
			break
		}
	}

	value := pickColumn(numeric, words)
	category := pickColumn(categorical, words)
	if value == "" && function != "COUNT" {
		function = "COUNT"
	}

	var measure string
	if function == "COUNT" {
		measure = "COUNT(*) AS count"
	} else {
		measure = fmt.Sprintf("%s(%s) AS %s", function, quoteIdent(value), quoteIdent(strings.ToLower(function)+"_"+value))
	}

	var sql string
	if category == "" {
		sql = fmt.Sprintf("SELECT %s FROM %s", measure, quoteIdent(table.TableName))
	} else {
		sql = fmt.Sprintf("SELECT %s, %s FROM %s GROUP BY %s ORDER BY %s LIMIT 200",
			quoteIdent(category), measure, quoteIdent(table.TableName), quoteIdent(category), quoteIdent(category))
	}
	return Result{SQL: sql, Provider: "local", Model: "keywords"}, nil
}

func looksLikeSQL(prompt string) bool {
	lower := strings.ToLower(strings.TrimSpace(prompt))
	for _, prefix := range []string{"select ", "select\n", "with "} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func promptWords(prompt string) map[string]bool {
	words := map[string]bool{}
	for _, word := range wordPattern.FindAllString(strings.ToLower(prompt), -1) {
		words[word] = true
		words[strings.TrimSuffix(word, "s")] = true
	}
	return words
}

func pickTable(tables []TableContext, words map[string]bool) TableContext {
	for _, table := range tables {
		if mentions(words, table.TableName) {
			return table
		}
	}
	return tables[0]
}

// classifyColumns splits columns by whether every non-empty sample value parses as a number.
func classifyColumns(table TableContext) ([]string, []string) {
	var numeric, categorical []string
	for i, column := range table.Columns {
		isNumeric := false
		for _, row := range table.SampleRows {
			if i >= len(row) || row[i] == nil {
				continue
			}
			if !isNumber(row[i]) {
				isNumeric = false
				break
			}
			isNumeric = true
		}
		if isNumeric {
			numeric = append(numeric, column)
		} else {
			categorical = append(categorical, column)
		}
	}
	return numeric, categorical
}

func isNumber(value any) bool {
	switch typed := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	case string:
		_, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return err == nil
	default:
		return false
	}
}

func pickColumn(columns []string, words map[string]bool) string {
	for _, column := range columns {
		if mentions(words, column) {
			return column
		}
	}
	if len(columns) > 0 {
		return columns[0]
	}
	return ""
}

func mentions(words map[string]bool, name string) bool {
	name = strings.ToLower(name)
	if words[name] || words[strings.TrimSuffix(name, "s")] {
		return true
	}
	for _, part := range strings.Split(name, "_") {
		if len(part) > 2 && words[part] {
			return true
		}
	}
	return false
}

func containsAny(words map[string]bool, candidates []string) bool {
	for _, candidate := range candidates {
		if words[candidate] {
			return true
		}
	}
	return false
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
