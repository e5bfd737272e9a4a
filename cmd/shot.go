package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

type shotOptions struct {
	url    string
	mode   string
	width  int
	height int
	out    string
	debug  bool
}

func newShotCmd() *cobra.Command {
	opts := &shotOptions{}
	cmd := &cobra.Command{
		Use:   "shot",
		Short: "Capture one page to a PNG file",
		Long: `Runs a single capture through the same pipeline as the HTTP service
(cache, admission, retry, selector fallback) and writes the image to --out.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShotCommand(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "page to capture (defaults to capture.fallback_url)")
	cmd.Flags().StringVar(&opts.mode, "mode", string(capture.ModeRegion), "capture mode: full or region")
	cmd.Flags().IntVar(&opts.width, "w", capture.DefaultWidth, "viewport width")
	cmd.Flags().IntVar(&opts.height, "h", capture.DefaultHeight, "viewport height")
	cmd.Flags().StringVar(&opts.out, "out", "pagesnap.png", "output file")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "print attempt details on failure")
	return cmd
}

func runShotCommand(cmd *cobra.Command, opts *shotOptions) error {
	appInstance, cfg, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	req, err := capture.Resolve(opts.values(), capture.ResolveDefaults{
		FallbackURL: cfg.Capture.FallbackURL,
		Selectors:   cfg.Capture.Selectors,
	})
	if err != nil {
		return err
	}

	result := appInstance.Service().Capture(cmd.Context(), req)
	if err := writeShot(result, opts.out); err != nil {
		if opts.debug {
			fmt.Fprintf(cmd.ErrOrStderr(), "attempts: %d\n", result.Attempts)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, attempts=%d, cached=%t)\n",
		opts.out, result.Outcome(), result.Attempts, result.Cached)
	if result.Image.RegionMissing {
		fmt.Fprintln(cmd.ErrOrStderr(), result.Image.Note)
	}
	return nil
}

func (o *shotOptions) values() url.Values {
	v := url.Values{}
	if o.url != "" {
		v.Set("url", o.url)
	}
	v.Set("mode", o.mode)
	v.Set("w", strconv.Itoa(o.width))
	v.Set("h", strconv.Itoa(o.height))
	if o.debug {
		v.Set("debug", "1")
	}
	return v
}

// writeShot writes the image of result to path, or returns the failure.
func writeShot(result capture.Result, path string) error {
	if result.Image == nil {
		if result.Failure != nil {
			return result.Failure
		}
		return fmt.Errorf("capture produced no image")
	}
	if err := os.WriteFile(path, result.Image.Data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
