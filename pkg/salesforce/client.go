// Package salesforce reads CRM records through the Salesforce REST query
// API and formats them for indexing.
package salesforce

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
	"golang.org/x/oauth2"

	"github.com/xhad/dealctx/internal/types"
)

type ClientConfig struct {
	InstanceURL string
	AccessToken string
	APIVersion  string
	Timeout     time.Duration
}

// Client implements types.CRM.
type Client struct {
	baseURL    string
	apiVersion string
	http       *http.Client
	logger     *zap.Logger
}

var _ types.CRM = (*Client)(nil)

func New(config ClientConfig, logger *zap.Logger) (*Client, error) {
	if config.InstanceURL == "" {
		return nil, errors.New("salesforce instance URL is required")
	}
	if config.APIVersion == "" {
		config.APIVersion = "v59.0"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := &http.Client{Timeout: config.Timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.AccessToken, TokenType: "Bearer"})

	hc := oauth2.NewClient(ctx, ts)
	hc.Timeout = config.Timeout

	return &Client{
		baseURL:    strings.TrimRight(config.InstanceURL, "/"),
		apiVersion: config.APIVersion,
		http:       hc,
		logger:     logger,
	}, nil
}

type queryResponse struct {
	TotalSize      int            `json:"totalSize"`
	Done           bool           `json:"done"`
	NextRecordsURL string         `json:"nextRecordsUrl"`
	Records        []types.Record `json:"records"`
}

type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

// QueryRecords runs the query and follows nextRecordsUrl until q.Limit
// records are collected or the result set is exhausted.
func (c *Client) QueryRecords(ctx context.Context, q types.Query) ([]types.Record, error) {
	soql, err := BuildSOQL(q)
	if err != nil {
		return nil, err
	}

	next := fmt.Sprintf("/services/data/%s/query?q=%s", c.apiVersion, url.QueryEscape(soql))
	var records []types.Record
	for next != "" {
		var page queryResponse
		if err := c.get(ctx, next, &page); err != nil {
			return records, fmt.Errorf("query %s: %w", q.Object, err)
		}
		for _, r := range page.Records {
			delete(r, "attributes")
			records = append(records, r)
		}
		if q.Limit > 0 && len(records) >= q.Limit {
			return records[:q.Limit], nil
		}
		if page.Done {
			break
		}
		next = page.NextRecordsURL
	}

	c.logger.Debug("salesforce query complete", zap.String("object", q.Object), zap.Int("records", len(records)))
	return records, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return classify(resp, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classify(resp *http.Response, body []byte) error {
	var errs []apiError
	_ = json.Unmarshal(body, &errs)
	code, msg := "", strings.TrimSpace(string(body))
	if len(errs) > 0 {
		code, msg = errs[0].ErrorCode, errs[0].Message
	}

	switch {
	case code == "REQUEST_LIMIT_EXCEEDED" || resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusServiceUnavailable:
		rl := &types.RateLimitError{}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			rl.RetryAfter = time.Duration(secs) * time.Second
		}
		return rl
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
		resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", types.ErrNoAccess, code, msg)
	default:
		return fmt.Errorf("salesforce returned %d: %s %s", resp.StatusCode, code, msg)
	}
}
