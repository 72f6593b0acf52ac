package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// handleCountsChart renders per-category counts as a bar chart. With
// ?session=<id> the totals come from the crossing log instead of the live
// session.
func (s *Server) handleCountsChart(w http.ResponseWriter, r *http.Request) {
	title := "Live counts"
	subtitle := time.Now().Format(time.RFC3339)
	values := make(map[string]int)

	if id := r.URL.Query().Get("session"); id != "" {
		if !s.requireDB(w, r) {
			return
		}
		rec, err := s.db.GetSession(id)
		if err != nil {
			s.writeLookupError(w, r, err)
			return
		}
		totals, err := s.db.CategoryTotals(id)
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, "fault", err)
			return
		}
		values = totals
		title = "Session " + rec.ID
		subtitle = rec.Source
	} else {
		for cat, n := range s.engine.Session().Counts().ByCategory {
			values[string(cat)] = n
		}
	}

	// Configured order, so bars stay put between refreshes
	x := make([]string, 0)
	y := make([]opts.BarData, 0)
	for _, cat := range s.engine.Session().Categories() {
		x = append(x, string(cat))
		y = append(y, opts.BarData{Value: values[string(cat)]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Vehicle counts", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("vehicles", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	s.renderChart(w, r, bar)
}

// handleRateChart plots the retained rate windows
func (s *Server) handleRateChart(w http.ResponseWriter, r *http.Request) {
	history := s.engine.RateHistory()
	summary := s.engine.RateSummary()

	x := make([]string, 0, len(history))
	fps := make([]opts.LineData, 0, len(history))
	detection := make([]opts.LineData, 0, len(history))
	for _, snap := range history {
		x = append(x, snap.At.Format("15:04:05"))
		fps = append(fps, opts.LineData{Value: snap.FPS})
		detection = append(detection, opts.LineData{Value: snap.DetectionRate})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Processing rate", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Processing rate",
			Subtitle: fmt.Sprintf("mean %.1f fps, stddev %.1f over %d windows", summary.MeanFPS, summary.StdDevFPS, summary.Windows),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(x).
		AddSeries("fps", fps).
		AddSeries("detection %", detection)

	s.renderChart(w, r, line)
}

func (s *Server) renderChart(w http.ResponseWriter, r *http.Request, chart components.Charter) {
	page := components.NewPage()
	page.AddCharts(chart)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "fault", fmt.Errorf("render error: %w", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
