// Package remote provides the HTTP client for the remote source of
// truth. The API is Airtable-shaped: list with pagination, get, create,
// update. Rate limiting and server errors are classified as transient
// so the sync engine retries them with backoff.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperr "github.com/leadstack/leadcache/internal/errors"
	"github.com/leadstack/leadcache/internal/models"
)

// lastModifiedField is the remote column carrying the record's
// last-modified marker. Falls back to createdTime when absent.
const lastModifiedField = "last_modified"

// Record is one remote record.
type Record struct {
	ID          string
	Fields      models.Fields
	CreatedTime string
	ModifiedAt  string
}

// Config holds remote API connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	BaseID  string
	Table   string
	Timeout time.Duration
}

// Client talks to the remote API. Every call carries a timeout; a
// timeout is reported as a transient error.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a Client.
func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

type apiRecord struct {
	ID          string                 `json:"id"`
	CreatedTime string                 `json:"createdTime"`
	Fields      map[string]interface{} `json:"fields"`
}

type listResponse struct {
	Records []apiRecord `json:"records"`
	Offset  string      `json:"offset,omitempty"`
}

type recordRequest struct {
	Fields   map[string]interface{} `json:"fields"`
	Typecast bool                   `json:"typecast"`
}

func (c *Client) tableURL() string {
	return fmt.Sprintf("%s/%s/%s", c.config.BaseURL, url.PathEscape(c.config.BaseID), url.PathEscape(c.config.Table))
}

func toRecord(r apiRecord) Record {
	rec := Record{
		ID:          r.ID,
		Fields:      models.Fields(r.Fields),
		CreatedTime: r.CreatedTime,
		ModifiedAt:  r.CreatedTime,
	}
	if rec.Fields == nil {
		rec.Fields = models.Fields{}
	}
	if s, ok := rec.Fields[lastModifiedField].(string); ok && s != "" {
		rec.ModifiedAt = s
	}
	return rec
}

// List fetches remote records, following pagination until exhausted.
// A non-zero since limits results to records modified after it.
func (c *Client) List(ctx context.Context, since time.Time) ([]Record, error) {
	var records []Record
	offset := ""

	for {
		u, err := url.Parse(c.tableURL())
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrInternal, "bad remote URL", err)
		}
		q := u.Query()
		q.Set("pageSize", "100")
		if offset != "" {
			q.Set("offset", offset)
		}
		if !since.IsZero() {
			formula := fmt.Sprintf("IS_AFTER(LAST_MODIFIED_TIME(), '%s')", since.UTC().Format(time.RFC3339))
			q.Set("filterByFormula", formula)
		}
		u.RawQuery = q.Encode()

		var page listResponse
		if err := c.do(ctx, http.MethodGet, u.String(), nil, &page); err != nil {
			return nil, err
		}

		for _, r := range page.Records {
			records = append(records, toRecord(r))
		}

		if page.Offset == "" {
			return records, nil
		}
		offset = page.Offset
	}
}

// Get fetches a single remote record by id.
func (c *Client) Get(ctx context.Context, id string) (Record, error) {
	var r apiRecord
	u := c.tableURL() + "/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, u, nil, &r); err != nil {
		return Record{}, err
	}
	return toRecord(r), nil
}

// Create creates a remote record and returns it with its assigned id.
func (c *Client) Create(ctx context.Context, fields models.Fields) (Record, error) {
	var r apiRecord
	body := recordRequest{Fields: fields, Typecast: true}
	if err := c.do(ctx, http.MethodPost, c.tableURL(), body, &r); err != nil {
		return Record{}, err
	}
	return toRecord(r), nil
}

// Update patches the given fields of a remote record and returns the
// record's full post-update state.
func (c *Client) Update(ctx context.Context, id string, fields models.Fields) (Record, error) {
	var r apiRecord
	u := c.tableURL() + "/" + url.PathEscape(id)
	body := recordRequest{Fields: fields, Typecast: true}
	if err := c.do(ctx, http.MethodPatch, u, body, &r); err != nil {
		return Record{}, err
	}
	return toRecord(r), nil
}

// do executes one API call and classifies failures: transport errors,
// timeouts, 429 and 5xx responses are transient; other non-2xx
// responses are permanent rejections.
func (c *Client) do(ctx context.Context, method, rawURL string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.ErrInternal, "failed to encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return apperr.Wrap(apperr.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.ErrRemoteTransient, "remote request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.Wrap(apperr.ErrRemoteTransient, "failed to decode response", err)
		}
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	respErr := errors.New(string(msg))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Wrap(apperr.ErrRemoteTransient, "rate limited by remote", respErr)
	case resp.StatusCode >= 500:
		return apperr.Wrap(apperr.ErrRemoteTransient,
			fmt.Sprintf("remote server error (%d)", resp.StatusCode), respErr)
	case resp.StatusCode == http.StatusNotFound:
		return apperr.Wrap(apperr.ErrNotFound, "remote record not found", respErr)
	default:
		return apperr.Wrap(apperr.ErrRemoteRejected,
			fmt.Sprintf("remote rejected request (%d)", resp.StatusCode), respErr)
	}
}
