// Package upstream talks to the PNCP open-data API and decodes its pages.
package upstream

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

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/metrics"
	"github.com/JakeFAU/pncp-monitor/internal/procurement"
)

// Shape selects which query parameters a request carries.
type Shape string

// Supported request shapes. Both hit the same endpoint; the publication shape
// omits the region filter.
const (
	ShapeRegion      Shape = "region"
	ShapePublication Shape = "publication"
)

const (
	// DefaultBaseURL is the PNCP consulta API root.
	DefaultBaseURL = "https://pncp.gov.br/api/consulta/v1"
	// PublicationPath lists procurements by publication date.
	PublicationPath = "/contratacoes/publicacao"

	defaultDateLayout = "20060102"
	defaultUserAgent  = "PNCP-Monitor"
	maxBodyBytes      = 32 << 20
)

// Config describes the upstream endpoint.
type Config struct {
	BaseURL     string
	Shape       Shape
	DateLayout  string
	UserAgent   string
	ExtraParams map[string]string
}

// PageQuery identifies one page of one region within a date window.
type PageQuery struct {
	DateInitial time.Time
	DateFinal   time.Time
	Page        int
	PageSize    int
	Region      string
}

// Page is one decoded upstream response. Invalid counts array elements that
// could not be decoded into a RawProcurement.
type Page struct {
	Items      []procurement.RawProcurement
	Invalid    int
	Body       []byte
	StatusCode int
	TotalPages int
}

// Len is the number of raw payloads on the page, decodable or not.
func (p Page) Len() int {
	return len(p.Items) + p.Invalid
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d for %s", e.Code, e.URL)
}

// Waiter throttles outgoing requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client fetches pages from the upstream API.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter Waiter
	logger  *zap.Logger
}

// New validates cfg and constructs a Client. A nil httpClient uses
// http.DefaultClient; a nil limiter disables throttling.
func New(cfg Config, httpClient *http.Client, limiter Waiter, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Shape == "" {
		cfg.Shape = ShapeRegion
	}
	if cfg.Shape != ShapeRegion && cfg.Shape != ShapePublication {
		return nil, fmt.Errorf("unknown upstream shape %q", cfg.Shape)
	}
	if cfg.DateLayout == "" {
		cfg.DateLayout = defaultDateLayout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + PublicationPath)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream base url must be http(s), got %q", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, base: base, http: httpClient, limiter: limiter, logger: logger}, nil
}

// Shape reports the configured request shape.
func (c *Client) Shape() Shape {
	return c.cfg.Shape
}

// URL renders the request URL for q.
func (c *Client) URL(q PageQuery) string {
	params := url.Values{}
	for k, v := range c.cfg.ExtraParams {
		params.Set(k, v)
	}
	params.Set("dataInicial", q.DateInitial.Format(c.cfg.DateLayout))
	params.Set("dataFinal", q.DateFinal.Format(c.cfg.DateLayout))
	params.Set("pagina", strconv.Itoa(q.Page))
	if q.PageSize > 0 {
		params.Set("tamanhoPagina", strconv.Itoa(q.PageSize))
	}
	if c.cfg.Shape == ShapeRegion && q.Region != "" {
		params.Set("uf", q.Region)
	}
	u := *c.base
	u.RawQuery = params.Encode()
	return u.String()
}

// FetchPage issues one GET and decodes the page. HTTP 204 is an empty page.
func (c *Client) FetchPage(ctx context.Context, q PageQuery) (Page, error) {
	if q.Page < 1 {
		return Page{}, fmt.Errorf("page must be >= 1, got %d", q.Page)
	}
	target := c.URL(q)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, target); err != nil {
			return Page{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstream(target, "error", 0)
		return Page{}, fmt.Errorf("upstream request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close upstream body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.ObserveUpstream(target, statusClass(resp.StatusCode), len(body))
	if err != nil {
		return Page{}, fmt.Errorf("read upstream body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return Page{StatusCode: resp.StatusCode}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Page{}, &StatusError{Code: resp.StatusCode, URL: target}
	}

	page, err := Decode(body)
	if err != nil {
		return Page{}, err
	}
	page.StatusCode = resp.StatusCode
	if page.Invalid > 0 {
		c.logger.Warn("undecodable upstream payloads",
			zap.String("region", q.Region),
			zap.Int("page", q.Page),
			zap.Int("invalid", page.Invalid),
		)
	}
	return page, nil
}

type envelope struct {
	Data       json.RawMessage `json:"data"`
	Items      json.RawMessage `json:"items"`
	TotalPages int             `json:"totalPaginas"`
}

// Decode parses a response body. The payload array is read from "data",
// falling back to "items"; when neither is present the page is empty.
func Decode(body []byte) (Page, error) {
	page := Page{Body: body}
	if len(strings.TrimSpace(string(body))) == 0 {
		return page, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Page{}, fmt.Errorf("decode upstream envelope: %w", err)
	}
	page.TotalPages = env.TotalPages

	raw := env.Data
	if isNull(raw) {
		raw = env.Items
	}
	if isNull(raw) {
		return page, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return Page{}, fmt.Errorf("decode upstream payload array: %w", err)
	}
	page.Items = make([]procurement.RawProcurement, 0, len(elems))
	for _, elem := range elems {
		var item procurement.RawProcurement
		if err := json.Unmarshal(elem, &item); err != nil {
			page.Invalid++
			continue
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
