package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// Color palette, a Tokyonight accent set.
var (
	colorPrimary = lipgloss.Color("#7aa2f7")
	colorSuccess = lipgloss.Color("#9ece6a")
	colorWarning = lipgloss.Color("#e0af68")
	colorMuted   = lipgloss.Color("#565f89")
	colorRose    = lipgloss.Color("#f7768e")

	labelStyle = lipgloss.NewStyle().Foreground(colorMuted)
	barFgStyle = lipgloss.NewStyle().Foreground(colorPrimary)
	barBgStyle = lipgloss.NewStyle().Foreground(colorMuted)
	okStyle    = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(colorRose).Bold(true)
)

const barWidth = 30

// renderProgressLine draws a single-line, carriage-return-redrawn progress
// bar: a filled/empty bar, percentage, downloaded/total, and throughput.
func renderProgressLine(downloaded, total, speed int64) string {
	var pct float64
	if total > 0 {
		pct = float64(downloaded) / float64(total)
		if pct > 1 {
			pct = 1
		}
	}
	filled := int(pct * barWidth)
	bar := barFgStyle.Render(strings.Repeat("#", filled)) +
		barBgStyle.Render(strings.Repeat("-", barWidth-filled))

	sizeStr := humanize.Bytes(uint64(downloaded))
	if total > 0 {
		sizeStr = fmt.Sprintf("%s/%s", humanize.Bytes(uint64(downloaded)), humanize.Bytes(uint64(total)))
	}
	speedStr := humanize.Bytes(uint64(speed)) + "/s"

	return fmt.Sprintf("\r[%s] %s %s %s  %s",
		bar,
		labelStyle.Render(fmt.Sprintf("%3.0f%%", pct*100)),
		sizeStr,
		speedStr,
		labelStyle.Render(time.Now().Format("15:04:05")),
	)
}

func renderOutcome(ok bool, msg string) string {
	if ok {
		return okStyle.Render("done") + " " + msg
	}
	return errStyle.Render("failed") + " " + msg
}

func renderWarning(msg string) string {
	return warnStyle.Render("warn") + " " + msg
}
