package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/devicebridge/internal/clients/rediscache"
	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/pkg/httpx"
	"github.com/yungbote/devicebridge/internal/pkg/logger"
)

// Asset is one row of the asset inventory: a physical device, its vendor
// serial and the canonical id printed on its label.
type Asset struct {
	DeviceID   string           `json:"device_id"`
	Serial     string           `json:"serial"`
	DeviceType types.DeviceType `json:"device_type"`
}

// Client reads the shared asset-inventory spreadsheet API. The backend is a
// thin wrapper over a spreadsheet and rate limits aggressively, so calls
// are throttled to one per minInterval and cached when a redis cache is
// configured.
type Client interface {
	DeviceBySerial(ctx context.Context, dt types.DeviceType, serial string) (*Asset, error)
	DeviceHistory(ctx context.Context, deviceID string) ([]types.WearAssociation, error)
}

type client struct {
	log     *logger.Logger
	http    *http.Client
	cache   rediscache.Cache
	baseURL string
	apiKey  string

	mu          sync.Mutex
	lastCall    time.Time
	minInterval time.Duration

	maxAttempts int
	retryDelay  time.Duration
}

func NewClient(log *logger.Logger, cache rediscache.Cache) (Client, error) {
	baseURL := strings.TrimRight(os.Getenv("INVENTORY_BASE_URL"), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing env var INVENTORY_BASE_URL")
	}
	apiKey := os.Getenv("INVENTORY_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("missing env var INVENTORY_API_KEY")
	}
	return &client{
		log:         log.With("service", "InventoryClient"),
		http:        &http.Client{Timeout: 30 * time.Second},
		cache:       cache,
		baseURL:     baseURL,
		apiKey:      apiKey,
		minInterval: time.Second,
		maxAttempts: 4,
		retryDelay:  2 * time.Second,
	}, nil
}

// throttle blocks until minInterval has passed since the previous request.
func (c *client) throttle(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	next := c.lastCall.Add(c.minInterval)
	if next.Before(now) {
		next = now
	}
	c.lastCall = next
	wait := next.Sub(now)
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

const cacheTTL = 12 * time.Hour

func (c *client) DeviceBySerial(ctx context.Context, dt types.DeviceType, serial string) (*Asset, error) {
	cacheKey := fmt.Sprintf("inventory:serial:%s:%s", dt, strings.ToUpper(serial))
	if c.cache != nil {
		var cached Asset
		if hit, err := c.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	var out Asset
	ok, err := c.get(ctx, fmt.Sprintf("/device/byserial/%s/%s", dt, url.PathEscape(serial)), &out)
	if err != nil || !ok {
		return nil, err
	}
	if c.cache != nil {
		_ = c.cache.Set(ctx, cacheKey, &out, cacheTTL)
	}
	return &out, nil
}

// DeviceHistory lists checkout periods for a device. The inventory knows
// nothing about deviations; every period counts.
func (c *client) DeviceHistory(ctx context.Context, deviceID string) ([]types.WearAssociation, error) {
	var out []types.WearAssociation
	ok, err := c.get(ctx, "/device/history/"+url.PathEscape(deviceID), &out)
	if err != nil || !ok {
		return nil, err
	}
	return out, nil
}

func (c *client) get(ctx context.Context, path string, dest any) (bool, error) {
	var found bool
	err := httpx.DoWithRetry(ctx, c.maxAttempts, c.retryDelay, func() error {
		if err := c.throttle(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-Api-Key", c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotFound:
			return nil
		case resp.StatusCode != http.StatusOK:
			return &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("decode inventory response %s: %w", path, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}
