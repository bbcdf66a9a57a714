package chart

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"lnmarkets-alert-bot/internal/types"
)

var (
	backgroundColor = drawing.Color{R: 55, G: 55, B: 55, A: 255}
	textColor       = drawing.Color{R: 200, G: 200, B: 200, A: 255}
	seriesColor     = drawing.Color{R: 0, G: 122, B: 255, A: 255}
	fillColor       = drawing.Color{R: 0, G: 122, B: 255, A: 25}
	gridColor       = drawing.Color{R: 100, G: 100, B: 100, A: 128}
)

// RenderPriceChart draws the retained price history as a PNG.
func RenderPriceChart(samples []types.PriceSample) ([]byte, error) {
	if len(samples) < 2 {
		return nil, errors.New("not enough price history to render a chart")
	}

	xValues := make([]float64, len(samples))
	yValues := make([]float64, len(samples))
	for i, s := range samples {
		xValues[i] = float64(s.Timestamp.UnixNano())
		yValues[i] = s.Price
	}

	graph := chart.Chart{
		Width:  800,
		Height: 400,
		Background: chart.Style{
			FillColor: backgroundColor,
			Padding:   chart.Box{Top: 20, Left: 20, Right: 20, Bottom: 20},
		},
		Canvas: chart.Style{FillColor: backgroundColor},
		XAxis: chart.XAxis{
			Style:          chart.Style{FontColor: textColor},
			ValueFormatter: chart.TimeHourValueFormatter,
			GridMajorStyle: chart.Style{StrokeColor: gridColor, StrokeWidth: 1},
		},
		YAxis: chart.YAxis{
			Style:          chart.Style{FontColor: textColor},
			ValueFormatter: chart.FloatValueFormatter,
			GridMajorStyle: chart.Style{StrokeColor: gridColor, StrokeWidth: 1},
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Style: chart.Style{
					StrokeColor: seriesColor,
					StrokeWidth: 2,
					FillColor:   fillColor,
				},
				XValueFormatter: chart.TimeHourValueFormatter,
				XValues:         xValues,
				YValues:         yValues,
			},
		},
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, errors.Wrap(err, "could not render price chart")
	}
	return buf.Bytes(), nil
}
