// SPDX-License-Identifier: MIT

package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantadv/xtbridge/internal/bar"
)

const (
	gatewayTimeout     = 10 * time.Second
	preloadAttempts    = 3
	preloadChunkDays   = 1
	defaultPollEvery   = time.Second
	preloadRetryPause  = 500 * time.Millisecond
	gatewayPollRecentN = 2
)

// Gateway adapts an xtdata HTTP gateway as a Source. Preload maps to
// POST /download per day chunk; realtime delivery polls GET /bars for the
// most recent rows of each subscribed key.
type Gateway struct {
	base      string
	token     string
	pollEvery time.Duration
	client    *http.Client
	log       zerolog.Logger

	mu   sync.Mutex
	subs map[mockKey]context.CancelFunc
	wg   sync.WaitGroup
}

// NewGateway verifies the gateway is reachable and returns the adapter.
// An unreachable gateway is ErrUnavailable; startup should abort on it.
func NewGateway(ctx context.Context, base, token string, pollEvery time.Duration, log zerolog.Logger) (*Gateway, error) {
	if pollEvery <= 0 {
		pollEvery = defaultPollEvery
	}
	g := &Gateway{
		base:      strings.TrimRight(base, "/"),
		token:     token,
		pollEvery: pollEvery,
		client:    &http.Client{Timeout: gatewayTimeout},
		log:       log,
		subs:      make(map[mockKey]context.CancelFunc),
	}
	if err := g.ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return g, nil
}

// Ping checks gateway reachability. Used by the ops self-check.
func (g *Gateway) Ping(ctx context.Context) error { return g.ping(ctx) }

func (g *Gateway) ping(ctx context.Context) error {
	req, err := g.newRequest(ctx, http.MethodGet, "/ping", nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway ping: status %d", resp.StatusCode)
	}
	return nil
}

// Preload downloads history day by day for every (code, period). Each chunk
// is retried a few times; an exhausted chunk fails the whole preload.
func (g *Gateway) Preload(ctx context.Context, codes []string, periods []bar.Period, days int) error {
	if days <= 0 {
		return nil
	}
	end := time.Now().In(bar.CNTime)
	for _, code := range codes {
		for _, period := range periods {
			for d := days; d > 0; d -= preloadChunkDays {
				chunkEnd := end.AddDate(0, 0, -(days - d))
				chunkStart := chunkEnd.AddDate(0, 0, -preloadChunkDays)
				if err := g.download(ctx, code, period, chunkStart, chunkEnd); err != nil {
					return fmt.Errorf("%w: %s/%s: %v", ErrPreload, code, period, err)
				}
			}
		}
	}
	return nil
}

func (g *Gateway) download(ctx context.Context, code string, period bar.Period, start, end time.Time) error {
	body := map[string]string{
		"code":   code,
		"period": string(period),
		"start":  start.Format("20060102"),
		"end":    end.Format("20060102"),
	}
	payload, _ := json.Marshal(body)

	var lastErr error
	for attempt := 1; attempt <= preloadAttempts; attempt++ {
		req, err := g.newRequest(ctx, http.MethodPost, "/download", strings.NewReader(string(payload)))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := g.client.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("status %d", resp.StatusCode)
		}
		lastErr = err
		g.log.Warn().Err(err).Str("code", code).Str("period", string(period)).
			Int("attempt", attempt).Msg("history download failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(preloadRetryPause):
		}
	}
	return lastErr
}

func (g *Gateway) Subscribe(ctx context.Context, code string, period bar.Period, cb BatchFunc) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := mockKey{code, period}
	if _, ok := g.subs[key]; ok {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	g.subs[key] = cancel
	g.wg.Add(1)
	go g.poll(runCtx, code, period, cb)
	return nil
}

func (g *Gateway) Unsubscribe(_ context.Context, code string, period bar.Period) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := mockKey{code, period}
	if cancel, ok := g.subs[key]; ok {
		cancel()
		delete(g.subs, key)
	}
	return nil
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	for key, cancel := range g.subs {
		cancel()
		delete(g.subs, key)
	}
	g.mu.Unlock()
	g.wg.Wait()
	return nil
}

func (g *Gateway) poll(ctx context.Context, code string, period bar.Period, cb BatchFunc) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := g.fetchRecent(ctx, code, period)
			if err != nil {
				g.log.Warn().Err(err).Str("code", code).Str("period", string(period)).
					Msg("bar poll failed")
				continue
			}
			if len(rows) > 0 {
				cb(period, map[string][]bar.Raw{code: rows})
			}
		}
	}
}

func (g *Gateway) fetchRecent(ctx context.Context, code string, period bar.Period) ([]bar.Raw, error) {
	q := url.Values{}
	q.Set("code", code)
	q.Set("period", string(period))
	q.Set("count", fmt.Sprint(gatewayPollRecentN))
	req, err := g.newRequest(ctx, http.MethodGet, "/bars?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVendor, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrVendor, resp.StatusCode)
	}
	var rows []bar.Raw
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrVendor, err)
	}
	return rows, nil
}

func (g *Gateway) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.base+path, body)
	if err != nil {
		return nil, err
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	return req, nil
}
