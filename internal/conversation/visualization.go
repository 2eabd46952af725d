package conversation

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Visualization stores a chart spec exactly as the upstream service returned it.
type Visualization struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	ChartSpec json.RawMessage `json:"chart_spec"`
	CreatedAt time.Time       `json:"created_at"`
}

// Pretty renders the chart spec as two-space indented JSON. Specs that are not
// valid JSON are returned untouched.
func (v Visualization) Pretty() string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, v.ChartSpec, "", "  "); err != nil {
		return string(v.ChartSpec)
	}
	return buf.String()
}

type Gallery struct {
	mu    sync.RWMutex
	items []Visualization
	now   func() time.Time
}

func NewGallery() *Gallery {
	return &Gallery{now: time.Now}
}

func (g *Gallery) Append(title string, chartSpec json.RawMessage) Visualization {
	spec := make(json.RawMessage, len(chartSpec))
	copy(spec, chartSpec)

	g.mu.Lock()
	defer g.mu.Unlock()
	item := Visualization{
		ID:        uuid.NewString(),
		Title:     title,
		ChartSpec: spec,
		CreatedAt: g.now().UTC(),
	}
	g.items = append(g.items, item)
	return item
}

func (g *Gallery) Items() []Visualization {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Visualization, len(g.items))
	copy(out, g.items)
	return out
}

func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.items)
}
