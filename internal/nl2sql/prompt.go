package nl2sql

import (
	"encoding/json"
	"fmt"
	"strings"
)

const defaultDialect = "DuckDB"

// prompts is the system and user text sent to a chat model.
type prompts struct {
	system string
	user   string
}

func newPrompts(req Request) (prompts, error) {
	schema, err := json.Marshal(req.Tables)
	if err != nil {
		return prompts{}, fmt.Errorf("encode schema context: %w", err)
	}
	dialect := strings.TrimSpace(req.Dialect)
	if dialect == "" {
		dialect = defaultDialect
	}

	var user strings.Builder
	user.WriteString("Tables with columns and sample rows, as JSON:\n")
	user.Write(schema)
	user.WriteString("\n\nQuestion:\n")
	user.WriteString(strings.TrimSpace(req.NaturalLanguage))
	user.WriteString("\n\nConstraints:\n")
	for _, rule := range promptRules {
		user.WriteString("- ")
		user.WriteString(rule)
		user.WriteByte('\n')
	}

	return prompts{
		system: "Write exactly one " + dialect + " query that answers the user's question about their data. " +
			"The rows will be plotted, so return a category column followed by a numeric column when the question allows it. " +
			"Reply with the SQL text only, without markdown fences or commentary.",
		user: strings.TrimRight(user.String(), "\n"),
	}, nil
}

var promptRules = []string{
	"Query only the tables listed above.",
	"Name columns explicitly instead of SELECT *.",
	"Use a read-only SELECT or WITH statement.",
	"Add LIMIT 200 unless the question asks for a different size.",
}

// stripMarkdownSQL removes a ``` fence and its language tag when a model
// wraps the query in one anyway.
func stripMarkdownSQL(value string) string {
	text := strings.TrimSpace(value)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = text[len("```"):]
	if newline := strings.IndexByte(text, '\n'); newline >= 0 && !strings.ContainsAny(strings.TrimSpace(text[:newline]), " \t") {
		text = text[newline+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}
