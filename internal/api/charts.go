package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/harbour.watch/internal/httputil"
	"github.com/banshee-data/harbour.watch/internal/session"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// priorityChart renders the live object priorities of every session (or
// the one named by camera_id) as bar charts. Debugging only.
func (s *Server) priorityChart(w http.ResponseWriter, r *http.Request) {
	var sessions []session.Status
	if id := r.URL.Query().Get("camera_id"); id != "" {
		st, ok := s.bridge.SessionStatus(id)
		if !ok {
			httputil.NotFound(w, "session not found")
			return
		}
		sessions = []session.Status{st}
	} else {
		sessions = s.bridge.GlobalStatus().Sessions
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	for _, st := range sessions {
		page.AddCharts(priorityBar(st))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func priorityBar(st session.Status) *charts.Bar {
	x := make([]string, 0, len(st.Objects))
	y := make([]opts.BarData, 0, len(st.Objects))
	for _, o := range st.Objects {
		label := "#" + strconv.Itoa(o.ID)
		color := "#5470c6"
		if o.IsPrimaryTarget {
			label += " (target)"
			color = "#ee6666"
		}
		x = append(x, label)
		y = append(y, opts.BarData{
			Value:     o.Priority,
			ItemStyle: &opts.ItemStyle{Color: color},
		})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "PTZ target priorities", Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    st.CameraID,
			Subtitle: fmt.Sprintf("target=%d state=%s recovery=%s", st.CurrentTarget, st.SchedulerState, st.RecoveryState),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "priority", Min: 0}),
	)
	bar.SetXAxis(x).
		AddSeries("priority", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}
