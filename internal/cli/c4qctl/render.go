package c4qctl

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type visualizationList struct {
	Visualizations []visualizationItem `json:"visualizations"`
}

type visualizationItem struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	ChartSpec json.RawMessage `json:"chart_spec"`
	Pretty    string          `json:"pretty"`
}

type seriesSpec struct {
	Type   string    `json:"type"`
	X      string    `json:"x"`
	Y      string    `json:"y"`
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	axisStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
	lineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("201"))
	emptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	specStyle  = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

// renderVisualizations draws series charts as horizontal bars and falls back
// to the pretty-printed spec for anything else.
func renderVisualizations(items []visualizationItem, width int) string {
	if len(items) == 0 {
		return "no visualizations yet\n"
	}
	if width <= 0 {
		width = 40
	}
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(titleStyle.Render(fmt.Sprintf("%d. %s", i+1, item.Title)))
		b.WriteString("\n")

		var spec seriesSpec
		if err := json.Unmarshal(item.ChartSpec, &spec); err != nil || len(spec.Labels) == 0 || len(spec.Labels) != len(spec.Values) {
			pretty := item.Pretty
			if pretty == "" {
				pretty = string(item.ChartSpec)
			}
			b.WriteString(specStyle.Render(pretty))
			b.WriteString("\n")
			continue
		}
		if spec.Y != "" {
			axis := spec.Y
			if spec.X != "" {
				axis = spec.Y + " by " + spec.X
			}
			b.WriteString(axisStyle.Render(axis))
			b.WriteString("\n")
		}
		style := barStyle
		if spec.Type == "line" {
			style = lineStyle
		}
		b.WriteString(renderBars(spec.Labels, spec.Values, width, style))
	}
	return b.String()
}

func renderBars(labels []string, values []float64, width int, style lipgloss.Style) string {
	labelWidth := 0
	peak := 0.0
	for i, label := range labels {
		labelWidth = max(labelWidth, lipgloss.Width(label))
		peak = max(peak, math.Abs(values[i]))
	}

	var b strings.Builder
	for i, label := range labels {
		filled := 0
		if peak > 0 && values[i] > 0 {
			filled = int(math.Round(float64(width) * values[i] / peak))
		}
		filled = min(max(filled, 0), width)
		fmt.Fprintf(&b, "%s%s %s%s %s\n",
			label,
			strings.Repeat(" ", labelWidth-lipgloss.Width(label)),
			style.Render(strings.Repeat("█", filled)),
			emptyStyle.Render(strings.Repeat("░", width-filled)),
			strconv.FormatFloat(values[i], 'f', -1, 64),
		)
	}
	return b.String()
}
