package webmonitor

import (
	"fmt"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/dj-oyu/formcheck/analysis-server/internal/analysis"
	"github.com/dj-oyu/formcheck/analysis-server/internal/segment"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// generateSignalChart plots the segmentation signal with the threshold and
// each rep's middle frame labeled by its verdict summary.
func generateSignalChart(st chartData) *charts.Line {
	line := charts.NewLine()

	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "macarons"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Rep segmentation signal",
			Subtitle: fmt.Sprintf("session %s, %d frames, %d reps", st.sessionID, len(st.track), len(st.reps)),
		}),
		charts.WithXAxisOpts(opts.XAxis{
			Name: "ms",
			AxisLabel: &opts.AxisLabel{
				Rotate: 45,
			},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name:         "distance",
			NameLocation: "middle",
			NameGap:      40,
		}),
		charts.WithTooltipOpts(opts.Tooltip{
			Show:    opts.Bool(true),
			Trigger: "axis",
			AxisPointer: &opts.AxisPointer{
				Type: "cross",
			}}),
	)

	xAxis := make([]string, len(st.track))
	for i, f := range st.track {
		xAxis[i] = fmt.Sprintf("%.0f", float64(f.Timestamp.Microseconds())/1000)
	}
	line.SetXAxis(xAxis)

	series := segment.Series(st.track, st.signal)
	marks := make([]opts.MarkPointNameCoordItem, 0, len(st.reps))
	for i, rep := range st.reps {
		label := fmt.Sprintf("Rep %d", i+1)
		if i < len(st.analyses) {
			pass, fail, unknown := st.analyses[i].Summary()
			label = fmt.Sprintf("Rep %d: %d/%d/%d", i+1, pass, fail, unknown)
		}
		y := series[rep.Middle]
		if math.IsNaN(y) {
			y = st.threshold
		}
		marks = append(marks, opts.MarkPointNameCoordItem{
			Name:       label,
			Coordinate: []interface{}{xAxis[rep.Middle], y},
			Value:      label,
		})
	}

	line.AddSeries("signal", generateSignalItems(series),
		charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)}),
		charts.WithMarkLineNameYAxisItemOpts(opts.MarkLineNameYAxisItem{
			Name:  "threshold",
			YAxis: st.threshold,
		}),
		charts.WithMarkPointNameCoordItemOpts(marks...),
	)

	return line
}

// generateSignalItems converts the series to LineData; missing samples
// become "-" so echarts leaves a gap.
func generateSignalItems(series []float64) []opts.LineData {
	items := make([]opts.LineData, 0, len(series))
	for _, v := range series {
		if math.IsNaN(v) {
			items = append(items, opts.LineData{Value: "-"})
			continue
		}
		items = append(items, opts.LineData{Value: v})
	}
	return items
}

type chartData struct {
	sessionID string
	track     []types.PoseFrame
	reps      []types.Rep
	analyses  []analysis.FormMetrics
	signal    segment.Signal
	threshold float64
}
