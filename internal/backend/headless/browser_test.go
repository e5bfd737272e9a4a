package headless

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

const testPage = `<!doctype html>
<html><head><style>body { margin: 0; height: 2400px; background: #eee; }</style></head>
<body>
<div id="box" style="position:absolute; left:50px; top:40px; width:200px; height:120px; background:#c00"></div>
<div id="hidden" style="display:none">hidden</div>
</body></html>`

// newBrowserBackend launches a local Chrome, skipping the test when none is
// available.
func newBrowserBackend(t *testing.T, maxParallel int) *Backend {
	t.Helper()
	if testing.Short() {
		t.Skip("browser tests skipped in short mode")
	}
	backend, err := New(Config{MaxParallel: maxParallel, AcquireTimeout: 20 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	first, err := backend.Acquire(ctx)
	if err != nil {
		t.Skipf("chromedp unavailable: %v", err)
	}
	require.NoError(t, first.Release(context.Background()))
	return backend
}

func newPageServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()
	mux.HandleFunc("/page", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, testPage)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func acquire(t *testing.T, backend *Backend, width, height int) *session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	s, err := backend.Acquire(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Release(context.Background()) })
	require.NoError(t, s.Configure(ctx, capture.SessionOptions{UserAgent: "pagesnap-test", Width: width, Height: height}))
	return s.(*session)
}

func pngSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestSessionsGetSeparateTabsAndStorage(t *testing.T) {
	backend := newBrowserBackend(t, 2)
	srv := newPageServer(t, http.NewServeMux())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	first := acquire(t, backend, 800, 600)
	second := acquire(t, backend, 800, 600)
	require.NotEmpty(t, first.targetID)
	require.NotEmpty(t, second.targetID)
	require.NotEqual(t, first.targetID, second.targetID)

	require.NoError(t, first.Navigate(ctx, srv.URL+"/page"))
	require.NoError(t, second.Navigate(ctx, srv.URL+"/page"))
	require.NoError(t, first.run(ctx, chromedp.Evaluate(`localStorage.setItem("owner", "first")`, nil)))

	var owner string
	require.NoError(t, second.run(ctx, chromedp.Evaluate(`localStorage.getItem("owner") || ""`, &owner)))
	require.Empty(t, owner, "second session saw the first session's storage")

	// Releasing one session leaves the other usable.
	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Navigate(ctx, srv.URL+"/page"))
	_, err := second.CaptureDocument(ctx, false)
	require.NoError(t, err)
}

func TestCaptureDocumentMatchesViewport(t *testing.T) {
	backend := newBrowserBackend(t, 1)
	srv := newPageServer(t, http.NewServeMux())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := acquire(t, backend, 800, 600)
	require.NoError(t, s.Navigate(ctx, srv.URL+"/page"))

	viewport, err := s.CaptureDocument(ctx, false)
	require.NoError(t, err)
	w, h := pngSize(t, viewport)
	require.Equal(t, 800, w)
	require.Equal(t, 600, h)

	full, err := s.CaptureDocument(ctx, true)
	require.NoError(t, err)
	w, h = pngSize(t, full)
	require.Equal(t, 800, w)
	require.GreaterOrEqual(t, h, 2400)
}

func TestCaptureElementCropsToBoundingBox(t *testing.T) {
	backend := newBrowserBackend(t, 1)
	srv := newPageServer(t, http.NewServeMux())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := acquire(t, backend, 1200, 900)
	require.NoError(t, s.Navigate(ctx, srv.URL+"/page"))
	require.NoError(t, s.WaitForElement(ctx, "#box"))
	require.NoError(t, s.InjectStyle(ctx, "* { animation: none !important; }"))

	data, err := s.CaptureElement(ctx, "#box")
	require.NoError(t, err)
	w, h := pngSize(t, data)
	require.Equal(t, 200, w)
	require.Equal(t, 120, h)

	var injected bool
	require.NoError(t, s.run(ctx, chromedp.Evaluate(`!!document.querySelector('style[data-pagesnap="freeze"]')`, &injected)))
	require.True(t, injected)
}

func TestWaitForElementHonoursDeadline(t *testing.T) {
	backend := newBrowserBackend(t, 1)
	srv := newPageServer(t, http.NewServeMux())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := acquire(t, backend, 800, 600)
	require.NoError(t, s.Navigate(ctx, srv.URL+"/page"))

	waitCtx, waitCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer waitCancel()
	err := s.WaitForElement(waitCtx, "#hidden")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// An expired wait must not close the tab.
	require.NoError(t, s.WaitForElement(ctx, "#box"))
}

func TestNavigateReturnsAtDOMContentLoaded(t *testing.T) {
	backend := newBrowserBackend(t, 1)

	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/polling", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<!doctype html><html><body>
<img src="/hang">
<script>setInterval(() => fetch("/hang").catch(() => {}), 50);</script>
</body></html>`)
	})
	mux.HandleFunc("/hang", func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	srv := newPageServer(t, mux)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := acquire(t, backend, 800, 600)

	navCtx, navCancel := context.WithTimeout(ctx, 5*time.Second)
	defer navCancel()
	start := time.Now()
	require.NoError(t, s.Navigate(navCtx, srv.URL+"/polling"))
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestNavigateReportsLoadError(t *testing.T) {
	backend := newBrowserBackend(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := acquire(t, backend, 800, 600)
	err := s.Navigate(ctx, "http://127.0.0.1:1/")
	require.Error(t, err)
	require.Contains(t, err.Error(), "page load error")
}
