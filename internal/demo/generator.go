// Package demo produces a synthetic sales dataset so the app and the dev
// backend have something to chart before real data is uploaded.
package demo

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"time"
)

// FileName is the object name the seeded dataset is stored under.
const FileName = "demo_sales.csv"

var Headers = []string{"order_id", "order_date", "month", "region", "channel", "device", "units", "revenue"}

type Order struct {
	OrderID string
	Date    time.Time
	Region  string
	Channel string
	Device  string
	Units   int
	Revenue float64
}

type Generator struct {
	rnd      *rand.Rand
	sequence int64
	start    time.Time
	days     int
}

// NewGenerator spreads orders over days starting at start. Equal seeds
// produce equal sequences.
func NewGenerator(seed int64, start time.Time, days int) *Generator {
	if days <= 0 {
		days = 365
	}
	return &Generator{
		rnd:   rand.New(rand.NewSource(seed)),
		start: start.UTC().Truncate(24 * time.Hour),
		days:  days,
	}
}

func (g *Generator) NextOrder() Order {
	g.sequence++
	region := g.pickRegion()
	channel := pickOne(g.rnd, []string{"web", "store", "partner"})
	units := 1 + g.rnd.Intn(5)
	price := 12 + g.rnd.Float64()*88
	if channel == "partner" {
		price *= 0.85
	}
	return Order{
		OrderID: fmt.Sprintf("ord-%06d", g.sequence),
		Date:    g.start.AddDate(0, 0, g.rnd.Intn(g.days)),
		Region:  region,
		Channel: channel,
		Device:  pickOne(g.rnd, []string{"desktop", "mobile", "tablet"}),
		Units:   units,
		Revenue: round2(float64(units) * price),
	}
}

// pickRegion is skewed so charts have a clear highest and lowest bar.
func (g *Generator) pickRegion() string {
	p := g.rnd.Intn(100)
	switch {
	case p < 35:
		return "North"
	case p < 60:
		return "West"
	case p < 80:
		return "South"
	case p < 93:
		return "East"
	default:
		return "Central"
	}
}

// WriteCSV writes a header row and n orders.
func (g *Generator) WriteCSV(w io.Writer, n int) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i := 0; i < n; i++ {
		order := g.NextOrder()
		record := []string{
			order.OrderID,
			order.Date.Format("2006-01-02"),
			order.Date.Format("2006-01"),
			order.Region,
			order.Channel,
			order.Device,
			strconv.Itoa(order.Units),
			strconv.FormatFloat(order.Revenue, 'f', 2, 64),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write order %s: %w", order.OrderID, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}
