package capture

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

var testDefaults = ResolveDefaults{
	FallbackURL: "https://fallback.example/",
	Selectors:   []string{"#capture", " ", "main"},
}

func TestResolveClampsDimensions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		w, h  string
		wantW int
		wantH int
	}{
		{"in range", "800", "600", 800, 600},
		{"below minimum", "10", "-5", MinWidth, MinHeight},
		{"above maximum", "99999", "99999", MaxWidth, MaxHeight},
		{"at bounds", "320", "4000", 320, 4000},
		{"malformed", "wide", "1.5e3", DefaultWidth, DefaultHeight},
		{"missing", "", "", DefaultWidth, DefaultHeight},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req, err := Resolve(url.Values{"w": {tc.w}, "h": {tc.h}, "mode": {"full"}}, testDefaults)
			require.NoError(t, err)
			require.Equal(t, tc.wantW, req.Width)
			require.Equal(t, tc.wantH, req.Height)
		})
	}
}

func TestResolveDimensionsAlwaysInBounds(t *testing.T) {
	t.Parallel()

	inputs := []string{"", "0", "-2147483648", "2147483647", "319", "321", "2399", "2401", "3999", "4001", "abc", " 700 "}
	for _, w := range inputs {
		for _, h := range inputs {
			req, err := Resolve(url.Values{"w": {w}, "h": {h}}, testDefaults)
			require.NoError(t, err)
			require.GreaterOrEqual(t, req.Width, MinWidth)
			require.LessOrEqual(t, req.Width, MaxWidth)
			require.GreaterOrEqual(t, req.Height, MinHeight)
			require.LessOrEqual(t, req.Height, MaxHeight)
		}
	}
}

func TestResolveModes(t *testing.T) {
	t.Parallel()

	req, err := Resolve(url.Values{}, testDefaults)
	require.NoError(t, err)
	require.Equal(t, ModeRegion, req.Mode)
	require.Equal(t, []string{"#capture", "main"}, req.Selectors)

	req, err = Resolve(url.Values{"mode": {"FULL"}}, testDefaults)
	require.NoError(t, err)
	require.Equal(t, ModeFull, req.Mode)
	require.Empty(t, req.Selectors)

	_, err = Resolve(url.Values{"mode": {"thumbnail"}}, testDefaults)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestResolveTargetAndDebug(t *testing.T) {
	t.Parallel()

	req, err := Resolve(url.Values{"url": {"  "}}, testDefaults)
	require.NoError(t, err)
	require.Equal(t, "https://fallback.example/", req.URL)
	require.False(t, req.Debug)

	req, err = Resolve(url.Values{"url": {"https://example.com/a"}, "debug": {"1"}}, testDefaults)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a", req.URL)
	require.True(t, req.Debug)

	req, err = Resolve(url.Values{"debug": {"true"}}, testDefaults)
	require.NoError(t, err)
	require.False(t, req.Debug)
}
