package capture

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Viewport bounds and defaults.
const (
	MinWidth      = 320
	MaxWidth      = 2400
	MinHeight     = 320
	MaxHeight     = 4000
	DefaultWidth  = 1200
	DefaultHeight = 900
)

// ResolveDefaults carries the configured values the caller cannot choose.
type ResolveDefaults struct {
	FallbackURL string
	Selectors   []string
}

// Resolve turns raw query parameters into a Request. Only an unknown mode is
// rejected; sizes that do not parse fall back to the defaults and every size
// is clamped into range.
func Resolve(params url.Values, defaults ResolveDefaults) (Request, error) {
	mode, err := parseMode(params.Get("mode"))
	if err != nil {
		return Request{}, err
	}

	target := strings.TrimSpace(params.Get("url"))
	if target == "" {
		target = defaults.FallbackURL
	}

	req := Request{
		URL:    target,
		Mode:   mode,
		Width:  clamp(parseDimension(params.Get("w"), DefaultWidth), MinWidth, MaxWidth),
		Height: clamp(parseDimension(params.Get("h"), DefaultHeight), MinHeight, MaxHeight),
		Debug:  params.Get("debug") == "1",
	}
	if mode == ModeRegion {
		req.Selectors = cleanSelectors(defaults.Selectors)
	}
	return req, nil
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeRegion:
		return ModeRegion, nil
	case ModeFull:
		return ModeFull, nil
	default:
		return "", fmt.Errorf("%w: mode must be %q or %q, got %q", ErrInvalidRequest, ModeFull, ModeRegion, raw)
	}
}

func parseDimension(raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func cleanSelectors(src []string) []string {
	out := make([]string, 0, len(src))
	for _, s := range src {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
