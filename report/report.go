// Package report renders a run's SummaryStats as a coloured terminal table,
// the load generator's one human-facing output surface (spec.md section 6:
// no machine-readable format, no persisted state).
package report

import (
	"fmt"
	"io"
	"math"

	"github.com/fatih/color"

	"github.com/ilya-4real/req-shooter/stats"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	columnColor  = color.New(color.FgCyan, color.Underline)
	summaryColor = color.New(color.FgCyan, color.Bold, color.Underline)
	rpsColor     = color.New(color.FgHiGreen)
)

// Write renders summary to w: one row per worker (index, mean ms, stdev
// ms, requests, errors, bytes) followed by the summary block (rps, total
// bytes, mean latency, non-2xx/3xx count, error count).
func Write(w io.Writer, summary stats.SummaryStats) {
	headerColor.Fprint(w, "\nStatistics by workers:\n")
	columnColor.Fprintln(w, "\tworker id\t mean latency\t\t stdev latency\t\t requests sent\t\t errors\t\t received data")

	for i, ws := range summary.Workers {
		fmt.Fprintf(w, "\tworker %d\t %s\t\t\t %s\t\t\t %d\t\t\t %d\t\t %s\n",
			i,
			formatMs(ws.MeanLatencyUs),
			formatMs(ws.StdevLatencyUs),
			ws.RequestCount,
			ws.ErrorCount,
			FormatBytes(ws.BytesReceived),
		)
	}

	fmt.Fprintln(w)
	summaryColor.Fprintln(w, "Summary:")
	rpsColor.Fprintf(w, "\tRequests per second:\t\t %.2f\n", summary.RPS)
	fmt.Fprintf(w, "\tTotal data received:\t\t %s\n", FormatBytes(summary.TotalBytesReceived))
	fmt.Fprintf(w, "\tMean latency:\t\t\t %s\n", formatMs(summary.MeanLatencyUs))
	fmt.Fprintf(w, "\tNot 2** or 3** server responses: %d\n", summary.TotalBadRequests)
	fmt.Fprintf(w, "\tConnection errors happened:\t %d\n", summary.TotalErrors)
}

func formatMs(microseconds float64) string {
	if math.IsNaN(microseconds) {
		return "NaN"
	}
	return fmt.Sprintf("%.2fms", microseconds/1000.0)
}
