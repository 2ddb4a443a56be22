package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/griddle-ai/griddle/internal/session"
)

// chartTypes the renderer accepts. Anything else is bounced back to the
// model so it can correct the plan.
var chartTypes = map[string]bool{
	"bar":     true,
	"line":    true,
	"scatter": true,
	"pie":     true,
	"table":   true,
}

// ChartRenderer turns an accepted card plan into a renderable card. It
// normalizes the plan (type, axes, title) and binds it to the current
// dataset; the UI fetches row data separately, so the card spec stays
// small enough to live in the session snapshot.
type ChartRenderer struct{}

// Build validates the plan against the dataset and returns the card.
func (r *ChartRenderer) Build(ctx context.Context, snap session.Snapshot, spec map[string]interface{}) (session.Card, error) {
	if snap.Dataset == nil {
		return session.Card{}, fmt.Errorf("no dataset loaded")
	}
	if len(spec) == 0 {
		return session.Card{}, fmt.Errorf("empty card plan")
	}

	chartType := strings.ToLower(stringField(spec, "type"))
	if chartType == "" {
		chartType = "table"
	}
	if !chartTypes[chartType] {
		return session.Card{}, fmt.Errorf("unsupported chart type %q", chartType)
	}

	x := stringField(spec, "x")
	y := stringField(spec, "y")
	if chartType != "table" {
		if x == "" || y == "" {
			return session.Card{}, fmt.Errorf("chart type %q needs x and y fields", chartType)
		}
		for _, col := range []string{x, y} {
			if !hasColumn(snap.Dataset.Columns, col) {
				return session.Card{}, fmt.Errorf("column %q not in dataset", col)
			}
		}
	}

	title := stringField(spec, "title")
	if title == "" {
		if chartType == "table" {
			title = snap.Dataset.Name
			if title == "" {
				title = "Table"
			}
		} else {
			title = fmt.Sprintf("%s by %s", y, x)
		}
	}

	card := session.Card{
		Title: title,
		Kind:  "chart",
		Spec: map[string]interface{}{
			"type":    chartType,
			"dataset": snap.Dataset.Name,
			"rows":    snap.Dataset.RowCount,
		},
	}
	if x != "" {
		card.Spec["x"] = x
	}
	if y != "" {
		card.Spec["y"] = y
	}
	if agg := stringField(spec, "aggregate"); agg != "" {
		card.Spec["aggregate"] = agg
	}
	if preview := snap.Dataset.Preview; len(preview) > 0 {
		card.Spec["preview"] = preview
	}
	return card, nil
}

func stringField(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func hasColumn(columns []session.Column, name string) bool {
	for _, col := range columns {
		if strings.EqualFold(col.Name, name) {
			return true
		}
	}
	return false
}
