package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	logx "sheetsync/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"short"}, SplitText("short", 10))

	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	require.Equal(t, []string{"aaaaaa", "bbbbbb"}, SplitText(s, 10))

	// No usable newline: hard cut at the limit, counted in runes.
	got := SplitText(strings.Repeat("ж", 25), 10)
	require.Len(t, got, 3)
	require.Equal(t, strings.Repeat("ж", 10), got[0])
	require.Equal(t, strings.Repeat("ж", 5), got[2])
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Token: "  "}, logx.Nop())
	require.Error(t, err)
}
