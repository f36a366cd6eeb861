package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveName(t *testing.T) {
	cases := map[string]string{
		"https://cdn.example.com/path/movie.mp4":         "movie.mp4",
		"https://cdn.example.com/path/movie.mp4?token=1": "movie.mp4",
		"https://cdn.example.com/path/movie.mp4#frag":    "movie.mp4",
		"https://cdn.example.com/":                       "download",
		"https://cdn.example.com":                        "download",
	}
	for in, want := range cases {
		assert.Equal(t, want, deriveName(in), in)
	}
}

func TestHeaderFlagsToMap(t *testing.T) {
	h := headerFlags{"Authorization: Bearer xyz", "X-Custom:value", "malformed"}
	got := h.toMap()
	assert.Equal(t, "Bearer xyz", got["Authorization"])
	assert.Equal(t, "value", got["X-Custom"])
	assert.Len(t, got, 2)
}

func TestSubtitleFlagsToMap(t *testing.T) {
	s := subtitleFlags{"en.vtt=https://cdn.example.com/en.vtt", "malformed"}
	got := s.toMap()
	assert.Equal(t, "https://cdn.example.com/en.vtt", got["en.vtt"])
	assert.Len(t, got, 1)
}

func TestHeaderFlagsSetAppends(t *testing.T) {
	var h headerFlags
	require := assert.New(t)
	require.NoError(h.Set("A: 1"))
	require.NoError(h.Set("B: 2"))
	require.Len(h, 2)
	require.Equal("stringArray", h.Type())
}

func TestNewRootCmdHasSubcommands(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "get")
	assert.Contains(t, names, "version")
}
