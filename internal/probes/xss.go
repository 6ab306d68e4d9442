package probes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// xssMarker is the dialog text our payloads raise, so dialogs the page
// opens by itself are not mistaken for an injection.
const xssMarker = "yorosec-xss"

var xssPayloads = []string{
	`<script>alert('` + xssMarker + `')</script>`,
	`<img src=x onerror=alert('` + xssMarker + `')>`,
	`<svg/onload=alert('` + xssMarker + `')>`,
	`"><script>alert('` + xssMarker + `')</script>`,
	`';alert('` + xssMarker + `');//`,
}

// XSSConfig configures the headless browser.
type XSSConfig struct {
	// ChromePath overrides browser discovery.
	ChromePath string
	// PageTimeout bounds a single navigation.
	PageTimeout time.Duration
	// Settle is how long to wait after load for deferred handlers.
	Settle time.Duration
}

// XSS loads the target in headless Chrome with script payloads injected
// into each query parameter. A payload is confirmed when it raises a
// JavaScript dialog carrying our marker.
type XSS struct {
	cfg XSSConfig
	log *slog.Logger
}

// NewXSS creates the injected-script executor.
func NewXSS(cfg XSSConfig, logger *slog.Logger) *XSS {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 20 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &XSS{cfg: cfg, log: logger.With("probe", schema.CategoryInjectedScript)}
}

func (x *XSS) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.UserAgent(userAgent),
	)
	if x.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(x.cfg.ChromePath))
	}
	return opts
}

// Run implements Executor.
func (x *XSS) Run(ctx context.Context, target string) ([]schema.Finding, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, x.allocatorOptions()...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var (
		mu      sync.Mutex
		dialogs []string
	)
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		e, ok := ev.(*page.EventJavascriptDialogOpening)
		if !ok {
			return
		}
		mu.Lock()
		dialogs = append(dialogs, e.Message)
		mu.Unlock()
		// the dialog blocks the page until answered
		go func() {
			_ = chromedp.Run(browserCtx, page.HandleJavaScriptDialog(true))
		}()
	})

	if err := chromedp.Run(browserCtx); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}

	var findings []schema.Finding
	reported := map[string]bool{}
	for _, payload := range xssPayloads {
		points, err := injectionPoints(target, payload)
		if err != nil {
			return findings, err
		}
		for _, pt := range points {
			if reported[pt.Param] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return findings, err
			}

			mu.Lock()
			dialogs = dialogs[:0]
			mu.Unlock()

			navCtx, cancel := context.WithTimeout(browserCtx, x.cfg.PageTimeout)
			err := chromedp.Run(navCtx, chromedp.Navigate(pt.URL), chromedp.Sleep(x.cfg.Settle))
			cancel()
			if err != nil {
				x.log.Debug("navigation failed", "url", pt.URL, "error", err)
			}

			mu.Lock()
			hit := containsMarker(dialogs)
			mu.Unlock()
			if !hit {
				continue
			}
			reported[pt.Param] = true
			findings = append(findings, schema.Finding{
				Category:    schema.CategoryInjectedScript,
				Severity:    schema.High,
				URL:         pt.URL,
				Description: fmt.Sprintf("Parameter %q reflects script that executes in the browser", pt.Param),
				Evidence: map[string]string{
					"parameter": pt.Param,
					"payload":   payload,
					"dialog":    xssMarker,
				},
			})
		}
	}
	return findings, nil
}

func containsMarker(msgs []string) bool {
	for _, m := range msgs {
		if strings.Contains(m, xssMarker) {
			return true
		}
	}
	return false
}
