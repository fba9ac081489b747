package apihttp

import (
	"fmt"
	"io"
	"net/http"

	"compass/internal/logger"
	"compass/internal/portfolio"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	chartWidth  = "900px"
	chartHeight = "520px"
)

func registerChartRoutes(group *gin.RouterGroup, r *Router) {
	if group == nil || r == nil {
		return
	}
	group.GET("/allocation", r.handleAllocationChart)
	group.GET("/evolution", r.handleEvolutionChart)
}

// handleAllocationChart renders the per-symbol allocation as a pie page.
func (r *Router) handleAllocationChart(c *gin.Context) {
	positions, ok := r.loadPositions(c)
	if !ok {
		return
	}
	alloc := portfolio.Allocation(positions)

	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  chartWidth,
			Height: chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Portfolio Allocation"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "item"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Left: "right", Orient: "vertical"}),
	)
	data := make([]opts.PieData, 0, len(alloc))
	for _, slice := range alloc {
		data = append(data, opts.PieData{Name: slice.Symbol, Value: slice.Value})
	}
	pie.AddSeries("allocation", data).SetSeriesOptions(
		charts.WithLabelOpts(opts.Label{
			Show:      opts.Bool(true),
			Formatter: "{b}: {d}%",
		}),
		charts.WithPieChartOpts(opts.PieChart{Radius: []string{"35%", "65%"}}),
	)
	renderChart(c, pie)
}

// handleEvolutionChart renders the cumulative net-invested timeline as a
// line page.
func (r *Router) handleEvolutionChart(c *gin.Context) {
	ops, err := r.records.ListOperations(c.Request.Context(), c.Query("portfolio_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	points := portfolio.Evolution(ops)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  chartWidth,
			Height: chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Invested Capital"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{AxisLabel: &opts.AxisLabel{Formatter: "{value}"}}),
	)
	xAxis := make([]string, 0, len(points))
	series := make([]opts.LineData, 0, len(points))
	for _, p := range points {
		xAxis = append(xAxis, p.Date.Format("2006-01-02"))
		series = append(series, opts.LineData{Value: p.Invested})
	}
	line.SetXAxis(xAxis)
	line.AddSeries("invested", series, charts.WithAreaStyleOpts(opts.AreaStyle{Opacity: opts.Float(0.2)}))
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true), Smooth: opts.Bool(true)}))
	renderChart(c, line)
}

type chartRenderer interface {
	Render(w io.Writer) error
}

func renderChart(c *gin.Context, chart chartRenderer) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := chart.Render(c.Writer); err != nil {
		logger.Errorf("chart render failed: %v", err)
		c.String(http.StatusInternalServerError, fmt.Sprintf("render failed: %v", err))
	}
}
