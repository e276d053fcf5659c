package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/entresolve/martd/internal/debug"
	"github.com/entresolve/martd/internal/types"
)

// HTTP is a Repository backed by a core engine server. The server
// exposes the replicator read API:
//
//	GET /v1/entities/{id}  -> raw entity document, 404 when unresolved
//	GET /v1/version        -> {"NAME": ..., "VERSION": ..., "BUILD_NUMBER": ...}
//
// Connection failures and 5xx responses surface as ErrUnavailable so
// the scheduler retries with backoff.
type HTTP struct {
	baseURL string
	client  *http.Client
	cfg     Config
}

// NewHTTP returns an accessor for the engine server at baseURL.
func NewHTTP(baseURL string, cfg Config) (*HTTP, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(trimmed)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("engine: invalid base URL %q", baseURL)
	}
	return &HTTP{
		baseURL: trimmed,
		client:  &http.Client{Timeout: 30 * time.Second},
		cfg:     cfg,
	}, nil
}

func (h *HTTP) FetchEntity(ctx context.Context, entityID int64) (*types.EntityView, error) {
	endpoint := h.baseURL + "/v1/entities/" + strconv.FormatInt(entityID, 10)
	body, status, err := h.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
		view, err := types.ParseEntityDocument(body)
		if err != nil {
			return nil, fmt.Errorf("engine: entity %d: %w", entityID, err)
		}
		return view, nil
	case status == http.StatusNotFound:
		return nil, ErrNotFound
	case status >= 500:
		return nil, fmt.Errorf("%w: entity fetch returned %d", ErrUnavailable, status)
	default:
		return nil, fmt.Errorf("engine: entity fetch returned %d", status)
	}
}

func (h *HTTP) Version(ctx context.Context) (Info, error) {
	body, status, err := h.get(ctx, h.baseURL+"/v1/version")
	if err != nil {
		return Info{}, err
	}
	if status != http.StatusOK {
		if status >= 500 {
			return Info{}, fmt.Errorf("%w: version returned %d", ErrUnavailable, status)
		}
		return Info{}, fmt.Errorf("engine: version returned %d", status)
	}
	var raw struct {
		Name        string `json:"NAME"`
		Version     string `json:"VERSION"`
		BuildNumber string `json:"BUILD_NUMBER"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Info{}, fmt.Errorf("engine: parsing version: %w", err)
	}
	return Info{Name: raw.Name, Version: raw.Version, BuildNumber: raw.BuildNumber}, nil
}

func (h *HTTP) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: %w", err)
	}
	if h.cfg.InstanceName != "" {
		req.Header.Set("X-Instance-Name", h.cfg.InstanceName)
	}
	if h.cfg.ConfigID != 0 {
		req.Header.Set("X-Config-ID", strconv.FormatInt(h.cfg.ConfigID, 10))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, err
		}
		debug.Logf("engine: %s unreachable: %v\n", endpoint, err)
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	return body, resp.StatusCode, nil
}
