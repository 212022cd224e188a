package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintBannerColored(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, "agent", "1.2.3", "Blue")

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, ansiColors["blue"]))
	assert.Contains(t, out, "version 1.2.3"+ansiReset)
	assert.Greater(t, strings.Count(out, "\n"), 2)
}

func TestPrintBannerPlain(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, "agent", "", "magenta")

	assert.NotContains(t, buf.String(), "\x1b[")
	assert.NotContains(t, buf.String(), "version")
}

func TestBannerTrimsTrailingBlankLines(t *testing.T) {
	lines := Banner("x", "dev")
	require.NotEmpty(t, lines)
	assert.Equal(t, "  version dev", lines[len(lines)-1])
	assert.NotEmpty(t, strings.TrimSpace(lines[len(lines)-2]))
}
