// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// DefaultClickPath is opened when a notification carries no data.url.
const DefaultClickPath = "/dashboard"

// WindowClient is an open window of the portal.
type WindowClient interface {
	URL() string
	Focus(ctx context.Context) error
}

// Clients is the host's window list.
type Clients interface {
	MatchAll(ctx context.Context) ([]WindowClient, error)
	OpenWindow(ctx context.Context, url string) error
}

// ClickAction is what the router did.
type ClickAction int

const (
	Focused ClickAction = iota
	Opened
	ClickFailed
)

func (a ClickAction) String() string {
	switch a {
	case Focused:
		return "focused"
	case Opened:
		return "opened"
	default:
		return "failed"
	}
}

// ClickResult describes one handled click.
type ClickResult struct {
	Action ClickAction
	Target string
	Err    error
}

// ClickRouter sends a clicked notification to the right window.
type ClickRouter struct {
	origin  string
	clients Clients
	settings
}

// NewClickRouter creates a router for the portal at origin, e.g.
// "https://portal.serenecare.app". A trailing slash is ignored.
func NewClickRouter(origin string, clients Clients, opts ...Option) *ClickRouter {
	return &ClickRouter{
		origin:   strings.TrimRight(origin, "/"),
		clients:  clients,
		settings: buildSettings(opts),
	}
}

// Target computes the canonical URL for n: origin + data.url, or origin +
// /dashboard. Absolute URLs are honoured only when they are on the portal's
// own origin.
func (r *ClickRouter) Target(n Notification) string {
	path, _ := n.Data["url"].(string)
	switch {
	case strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "//"):
		return r.origin + path
	case path != "":
		if u, err := url.Parse(path); err == nil && u.Scheme != "" && u.Scheme+"://"+u.Host == r.origin {
			return path
		}
		r.logger.Warn("receiver.click.foreign_url", slog.String("url", path))
	}
	return r.origin + DefaultClickPath
}

// HandleClick focuses the first open window whose URL equals the target
// exactly, or opens exactly one new window.
func (r *ClickRouter) HandleClick(ctx context.Context, n Notification) *Event[ClickResult] {
	target := r.Target(n)
	return runEvent(r.logger, "click", func() ClickResult {
		windows, err := r.clients.MatchAll(ctx)
		if err != nil {
			r.logger.Warn("receiver.click.match_failed", slog.String("error", err.Error()))
			windows = nil
		}

		for _, w := range windows {
			if w.URL() != target {
				continue
			}
			if err := w.Focus(ctx); err != nil {
				r.logger.Error("receiver.click.focus_failed", slog.String("error", err.Error()))
				return ClickResult{Action: ClickFailed, Target: target, Err: err}
			}
			return ClickResult{Action: Focused, Target: target}
		}

		if err := r.clients.OpenWindow(ctx, target); err != nil {
			r.logger.Error("receiver.click.open_failed", slog.String("error", err.Error()))
			return ClickResult{Action: ClickFailed, Target: target, Err: fmt.Errorf("open window: %w", err)}
		}
		return ClickResult{Action: Opened, Target: target}
	}, func(err error) ClickResult {
		return ClickResult{Action: ClickFailed, Target: target, Err: err}
	})
}
