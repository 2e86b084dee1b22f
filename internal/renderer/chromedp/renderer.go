// Package chromedp renders target URLs with headless Chrome into PDF or PNG
// artifacts under a hard deadline.
package chromedp

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/snapvault/snapvault/internal/capture"
)

// Config controls the rendering environment. Everything here is fixed per
// process so repeated captures of an unchanged page are reproducible.
type Config struct {
	MaxConcurrency  int
	UserAgent       string
	Locale          string
	Timezone        string
	HardTimeout     time.Duration
	Grace           time.Duration
	NetworkIdleCap  time.Duration
	NetworkIdlePoll time.Duration
	HostQPS         float64
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 2
	}
	if c.UserAgent == "" {
		c.UserAgent = "snapvault-capture/1.0 (+https://github.com/snapvault/snapvault)"
	}
	if c.Locale == "" {
		c.Locale = "en-US"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = 45 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Second
	}
	if c.NetworkIdleCap <= 0 {
		c.NetworkIdleCap = 10 * time.Second
	}
	if c.NetworkIdlePoll <= 0 {
		c.NetworkIdlePoll = 100 * time.Millisecond
	}
}

// Renderer implements capture.Renderer using chromedp and headless Chrome.
type Renderer struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	sem             chan struct{}
	cfg             Config
	hostLimiters    sync.Map
}

// New launches the shared browser and warms it up. The warmup run surfaces a
// missing Chrome binary at startup instead of on the first capture.
func New(cfg Config, logger *zap.Logger) (*Renderer, error) {
	cfg.applyDefaults()

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("font-render-hinting", "none"),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Renderer{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		sem:             make(chan struct{}, cfg.MaxConcurrency),
		cfg:             cfg,
	}, nil
}

// Close tears down the browser and allocator contexts.
func (r *Renderer) Close() {
	if r == nil {
		return
	}
	r.browserCancel()
	r.allocatorCancel()
}

// Render navigates to rawURL under the fixed environment, applies the wait
// policy, and emits the artifact bytes. It returns before deadline plus the
// configured grace period; on breach the tab is forcibly cancelled.
func (r *Renderer) Render(ctx context.Context, rawURL string, opts capture.RenderOptions, deadline time.Time) (capture.RenderResult, error) {
	start := time.Now()
	if !time.Now().Before(deadline) {
		return capture.RenderResult{}, fmt.Errorf("%w: deadline already elapsed", capture.ErrRenderTimeout)
	}

	release, err := r.acquireSlot(ctx, deadline)
	if err != nil {
		return capture.RenderResult{}, err
	}
	defer release()

	if err := r.waitHostBudget(ctx, rawURL, deadline); err != nil {
		return capture.RenderResult{}, err
	}

	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithDeadline(tabCtx, deadline)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	// Hard backstop: a render that ignores its context is killed with the tab.
	watchdog := time.AfterFunc(time.Until(deadline)+r.cfg.Grace, cancelTab)
	defer watchdog.Stop()

	tracker := newNetworkTracker()
	chromedp.ListenTarget(tabCtx, tracker.observe)

	buf, err := r.run(taskCtx, rawURL, opts, tracker)
	duration := time.Since(start)
	if err != nil {
		return capture.RenderResult{}, r.classify(err, rawURL)
	}

	status := tracker.documentStatus()
	if status != 0 && (status < 200 || status > 299) {
		return capture.RenderResult{}, capture.Blocked(status)
	}

	return capture.RenderResult{
		Bytes:      buf,
		StatusCode: status,
		Duration:   duration,
	}, nil
}

func (r *Renderer) run(ctx context.Context, rawURL string, opts capture.RenderOptions, tracker *networkTracker) ([]byte, error) {
	var buf []byte
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(r.cfg.UserAgent),
		emulation.SetLocaleOverride().WithLocale(r.cfg.Locale),
		emulation.SetTimezoneOverride(r.cfg.Timezone),
		emulation.SetDeviceMetricsOverride(
			int64(opts.ViewportWidth),
			int64(opts.ViewportHeight),
			opts.DeviceScale,
			false,
		),
		chromedp.Navigate(rawURL),
	}
	tasks = append(tasks, r.waitTasks(opts.Wait, tracker)...)
	tasks = append(tasks, r.emitAction(opts.Format, &buf))

	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return buf, nil
}

// waitTasks builds the three-phase settle strategy: structural completion,
// settle delay, then network quiescence, each individually bounded by the
// task deadline.
func (r *Renderer) waitTasks(policy capture.WaitPolicy, tracker *networkTracker) []chromedp.Action {
	var tasks []chromedp.Action

	switch policy.Mode {
	case capture.WaitSelector:
		tasks = append(tasks, chromedp.WaitVisible(policy.Selector, chromedp.ByQuery))
	case capture.WaitDOMReady:
		tasks = append(tasks, chromedp.WaitReady("body", chromedp.ByQuery))
	default:
		tasks = append(tasks, chromedp.WaitReady("body", chromedp.ByQuery))
	}

	if policy.SettleDelay > 0 {
		tasks = append(tasks, chromedp.Sleep(policy.SettleDelay))
	}

	if policy.Mode == capture.WaitNetworkIdle {
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			return r.awaitNetworkIdle(ctx, tracker)
		}))
	}

	return tasks
}

func (r *Renderer) awaitNetworkIdle(ctx context.Context, tracker *networkTracker) error {
	idleCtx, cancel := context.WithTimeout(ctx, r.cfg.NetworkIdleCap)
	defer cancel()

	ticker := time.NewTicker(r.cfg.NetworkIdlePoll)
	defer ticker.Stop()

	for {
		if tracker.inflight() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-idleCtx.Done():
			// The quiescence phase is capped, not fatal: capture proceeds
			// with whatever settled by the cap.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
	}
}

func (r *Renderer) emitAction(format capture.Format, buf *[]byte) chromedp.Action {
	if format == capture.FormatPNG {
		return chromedp.FullScreenshot(buf, 100)
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().
			WithPrintBackground(true).
			WithPreferCSSPageSize(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("print to pdf: %w", err)
		}
		*buf = data
		return nil
	})
}

func (r *Renderer) acquireSlot(ctx context.Context, deadline time.Time) (func(), error) {
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-waitCtx.Done():
		return nil, fmt.Errorf("%w: waiting for render slot", capture.ErrRenderTimeout)
	}
}

func (r *Renderer) waitHostBudget(ctx context.Context, rawURL string, deadline time.Time) error {
	if r.cfg.HostQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse url: %v", capture.ErrUnreachable, err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := r.hostLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(r.cfg.HostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := limiter.Wait(waitCtx); err != nil {
		return fmt.Errorf("%w: waiting for host budget", capture.ErrRenderTimeout)
	}
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// networkTracker accounts in-flight requests and captures the main document
// response status from CDP events.
type networkTracker struct {
	pending atomic.Int64
	status  atomic.Int64
	haveDoc atomic.Bool
}

func newNetworkTracker() *networkTracker {
	return &networkTracker{}
}

func (t *networkTracker) observe(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.pending.Add(1)
	case *network.EventResponseReceived:
		if e.Type == network.ResourceTypeDocument && e.Response != nil && !t.haveDoc.Load() {
			t.haveDoc.Store(true)
			t.status.Store(e.Response.Status)
		}
	case *network.EventLoadingFinished:
		t.pending.Add(-1)
	case *network.EventLoadingFailed:
		t.pending.Add(-1)
	}
}

func (t *networkTracker) inflight() int64 {
	n := t.pending.Load()
	if n < 0 {
		return 0
	}
	return n
}

func (t *networkTracker) documentStatus() int {
	return int(t.status.Load())
}
