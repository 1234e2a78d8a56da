// Package headless fetches script-rendered listing pages through a real
// browser. Some crawl sources serve an empty shell and populate the
// listing table client-side, so a plain HTTP fetch sees no rows.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector is the element that signals the listing has rendered.
	// Empty means wait for table or list markup, which covers every
	// source type the parser understands.
	WaitSelector string
}

// Fetcher implements pipeline.Fetcher with chromedp. A shared exec
// allocator keeps one browser process across fetches; MaxParallel bounds
// concurrent tabs.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "table, ul, ol"
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts down the shared browser allocator.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders the page in a browser tab and returns the resulting DOM,
// so the downstream parser sees the same markup a static source would
// have served.
func (f *Fetcher) Fetch(ctx context.Context, url string) (pipeline.FetchResult, error) {
	if err := f.acquireSlot(ctx); err != nil {
		return pipeline.FetchResult{}, err
	}
	defer f.releaseSlot()

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	// The document response event carries the status and final URL;
	// subresource responses are ignored.
	var (
		mu        sync.Mutex
		docStatus int
		docURL    string
	)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
			return
		}
		mu.Lock()
		docStatus = int(resp.Response.Status)
		docURL = resp.Response.URL
		mu.Unlock()
	})

	var (
		html     string
		finalURL string
	)
	start := time.Now()
	err := chromedp.Run(tabCtx,
		f.prepareTab(),
		chromedp.Navigate(url),
		chromedp.WaitVisible(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("render %s: %w", url, err)
	}

	mu.Lock()
	status, responseURL := docStatus, docURL
	mu.Unlock()
	if responseURL == "" {
		responseURL = finalURL
	}
	if responseURL == "" {
		responseURL = url
	}
	if status == 0 {
		status = http.StatusOK
	}

	return pipeline.FetchResult{
		URL:        responseURL,
		StatusCode: status,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Rendered:   true,
	}, nil
}

func (f *Fetcher) prepareTab() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquireSlot(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) releaseSlot() {
	if f.slots == nil {
		return
	}
	select {
	case <-f.slots:
	default:
	}
}
