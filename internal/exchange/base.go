package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"fundingarb/internal/core"
	apphttp "fundingarb/pkg/http"
	"fundingarb/pkg/websocket"
)

// BaseAdapter bundles the plumbing every venue adapter needs: a resilient
// REST client, a reconnecting WS client factory, and per-host rate limiting.
// Concrete adapters (lighter, x10) embed this and add venue-specific request
// signing and JSON shapes.
type BaseAdapter struct {
	VenueName string
	BaseURL   string
	WSURL     string
	REST      *apphttp.Client
	Limiter   *HostLimiter
	Logger    core.ILogger

	wsConns []*websocket.Client
}

// NewBaseAdapter wires the shared REST/rate-limit plumbing for one venue.
func NewBaseAdapter(venue, baseURL, wsURL string, signer apphttp.Signer, logger core.ILogger, rps float64, burst int) *BaseAdapter {
	return &BaseAdapter{
		VenueName: venue,
		BaseURL:   baseURL,
		WSURL:     wsURL,
		REST:      apphttp.NewClient(baseURL, 10*time.Second, signer),
		Limiter:   NewHostLimiter(rps, burst),
		Logger:    logger.WithField("venue", venue),
	}
}

func (b *BaseAdapter) Name() string { return b.VenueName }

func (b *BaseAdapter) host() string {
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return b.BaseURL
	}
	return u.Host
}

// CallGET performs a rate-limited, signed GET and decodes the response.
func (b *BaseAdapter) CallGET(ctx context.Context, path string, params map[string]string, out interface{}) error {
	if err := b.Limiter.Wait(ctx, b.host()); err != nil {
		return err
	}
	body, err := b.REST.Get(ctx, path, params)
	if err != nil {
		return classifyRESTError(b.VenueName, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", b.VenueName, path, err)
	}
	return nil
}

// CallPOST performs a rate-limited, signed POST and decodes the response.
func (b *BaseAdapter) CallPOST(ctx context.Context, path string, payload, out interface{}) error {
	if err := b.Limiter.Wait(ctx, b.host()); err != nil {
		return err
	}
	body, err := b.REST.Post(ctx, path, payload)
	if err != nil {
		return classifyRESTError(b.VenueName, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", b.VenueName, path, err)
	}
	return nil
}

func (b *BaseAdapter) CallDELETE(ctx context.Context, path string, params map[string]string) error {
	if err := b.Limiter.Wait(ctx, b.host()); err != nil {
		return err
	}
	_, err := b.REST.Delete(ctx, path, params)
	if err != nil {
		return classifyRESTError(b.VenueName, err)
	}
	return nil
}

// ConnectWSOnce starts one reconnecting WS client per call, each with its
// own message handler, and remembers it so Close can stop every stream the
// adapter opened. Subscribe* methods each own one subscription's worth of
// connection rather than multiplexing over a shared socket, trading a few
// extra TCP connections for simplicity in the handler dispatch.
func (b *BaseAdapter) ConnectWSOnce(ctx context.Context, handler websocket.MessageHandler) *websocket.Client {
	client := websocket.NewClient(b.WSURL, handler, b.Logger)
	client.Start()
	b.wsConns = append(b.wsConns, client)
	go func() {
		<-ctx.Done()
		client.Stop()
	}()
	return client
}

func (b *BaseAdapter) Close() error {
	for _, c := range b.wsConns {
		c.Stop()
	}
	return nil
}
