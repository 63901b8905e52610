package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"vibeforge/internal/logging"
	"vibeforge/internal/protocol"
	"vibeforge/internal/registry"
)

// CaptureScreenshot renders url in a headless browser, stores the PNG
// under the workspace screenshot directory, and records its location on
// the registry row.
func (a *Agent) CaptureScreenshot(ctx context.Context, url string, width, height int) (string, error) {
	log := logging.Get(logging.CategoryBrowser)
	a.broadcaster.Broadcast(protocol.TypeScreenshotCaptureStart, protocol.ScreenshotEvent{URL: url})

	fail := func(err error) (string, error) {
		a.broadcaster.Broadcast(protocol.TypeScreenshotError, protocol.ScreenshotEvent{
			URL: url, Error: err.Error(),
		})
		return "", err
	}

	if width <= 0 {
		width = a.cfg.Browser.ViewportWidth
	}
	if height <= 0 {
		height = a.cfg.Browser.ViewportHeight
	}

	data, err := a.renderPage(ctx, url, width, height)
	if err != nil {
		return fail(err)
	}

	dir := filepath.Join(a.cfg.Workspace, ".vibeforge", "screenshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(fmt.Errorf("screenshot dir: %w", err))
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.png", a.projectID, time.Now().Unix()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fail(fmt.Errorf("write screenshot: %w", err))
	}
	screenshotURL := "file://" + path

	if err := a.registry.UpdateApp(ctx, a.projectID, registry.Patch{
		ScreenshotURL: registry.StrPtr(screenshotURL),
	}); err != nil {
		log.Warnw("registry screenshot update failed", "error", err)
	}

	a.broadcaster.Broadcast(protocol.TypeScreenshotSuccess, protocol.ScreenshotEvent{
		URL: url, ScreenshotURL: screenshotURL,
	})
	log.Infow("screenshot captured", "url", url, "path", path)
	return screenshotURL, nil
}

func (a *Agent) renderPage(ctx context.Context, url string, width, height int) ([]byte, error) {
	l := launcher.New().Headless(a.cfg.Browser.Headless)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	defer l.Cleanup()

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	page = page.Context(ctx).Timeout(a.cfg.Browser.NavigationTimeout())

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for load: %w", err)
	}

	data, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return data, nil
}
