package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderProgressLineShowsPercentAndSizes(t *testing.T) {
	line := renderProgressLine(50, 200, 1024)
	assert.True(t, strings.Contains(line, "25%"))
	assert.True(t, strings.HasPrefix(line, "\r["))
}

func TestRenderProgressLineWithoutKnownTotal(t *testing.T) {
	line := renderProgressLine(512, 0, 0)
	assert.True(t, strings.Contains(line, "0%"))
}

func TestRenderProgressLineClampsOverCompleteToFullBar(t *testing.T) {
	line := renderProgressLine(300, 200, 0)
	assert.True(t, strings.Contains(line, "100%"))
}

func TestRenderOutcomeOk(t *testing.T) {
	out := renderOutcome(true, "saved to out.mp4")
	assert.True(t, strings.Contains(out, "done"))
	assert.True(t, strings.Contains(out, "saved to out.mp4"))
}

func TestRenderOutcomeFailure(t *testing.T) {
	out := renderOutcome(false, "connection reset")
	assert.True(t, strings.Contains(out, "failed"))
	assert.True(t, strings.Contains(out, "connection reset"))
}

func TestRenderWarning(t *testing.T) {
	out := renderWarning("low disk space")
	assert.True(t, strings.Contains(out, "warn"))
	assert.True(t, strings.Contains(out, "low disk space"))
}
