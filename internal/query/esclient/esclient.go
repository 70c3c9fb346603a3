// Package esclient is the Elasticsearch-backed implementation of
// query.Client, built on github.com/elastic/go-elasticsearch/v8's esapi
// functional-options calls.
package esclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog/log"

	"github.com/elastalert-go/elastalert/internal/query"
	"github.com/elastalert-go/elastalert/internal/timeutil"
)

// maxErrorLen bounds error messages surfaced from the backing store so
// an oversized failure body never floods the logs.
const maxErrorLen = 1024

// Client adapts *elasticsearch.Client to the query.Client port.
type Client struct {
	ES *elasticsearch.Client
}

// Options configures a Client's connection to one rule endpoint;
// different rules may target different stores. Username/Password and
// OAuth2 are mutually exclusive auth modes; RequestsPerSecond of 0
// disables client-side rate limiting.
type Options struct {
	Addresses         []string
	Username          string
	Password          string
	OAuth2            *OAuth2Config
	RequestsPerSecond float64
}

// New builds a Client from addresses and optional basic-auth credentials.
func New(addresses []string, username, password string) (*Client, error) {
	return NewWithOptions(Options{Addresses: addresses, Username: username, Password: password})
}

// NewWithOptions builds a Client with the full connection surface: DNS
// caching, optional rate limiting, and optional OAuth2 client-credentials
// auth, layered under the go-elasticsearch transport.
func NewWithOptions(opts Options) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		Transport: newBaseTransport(opts.RequestsPerSecond, opts.OAuth2),
	})
	if err != nil {
		return nil, fmt.Errorf("esclient.New: %w", err)
	}
	return &Client{ES: es}, nil
}

func (c *Client) Search(ctx context.Context, index string, body map[string]any, size int, sourceFields []string) (query.SearchResult, error) {
	// The body arrives fully formed (filter + sort); wrapping it again
	// would bury sort where the server no longer honors it.
	req := map[string]any{}
	for k, v := range body {
		req[k] = v
	}
	if size > 0 {
		req["size"] = size
	}
	if len(sourceFields) > 0 {
		req["_source"] = sourceFields
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return query.SearchResult{}, fmt.Errorf("esclient.Search: encode body: %w", err)
	}

	res, err := c.ES.Search(
		c.ES.Search.WithContext(ctx),
		c.ES.Search.WithIndex(index),
		c.ES.Search.WithBody(&buf),
	)
	if err != nil {
		return query.SearchResult{}, &query.TransientError{Op: "Search", Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		return query.SearchResult{}, classify("Search", res)
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID     string         `json:"_id"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return query.SearchResult{}, fmt.Errorf("esclient.Search: decode response: %w", err)
	}

	out := query.SearchResult{Total: parsed.Hits.Total.Value}
	for _, h := range parsed.Hits.Hits {
		out.Hits = append(out.Hits, query.Hit{ID: h.ID, Source: h.Source})
	}
	return out, nil
}

func (c *Client) Count(ctx context.Context, index, docType string, body map[string]any) (int, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return 0, fmt.Errorf("esclient.Count: encode body: %w", err)
	}

	res, err := c.ES.Count(
		c.ES.Count.WithContext(ctx),
		c.ES.Count.WithIndex(index),
		c.ES.Count.WithBody(&buf),
	)
	if err != nil {
		return 0, &query.TransientError{Op: "Count", Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		return 0, classify("Count", res)
	}

	var parsed struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("esclient.Count: decode response: %w", err)
	}
	return parsed.Count, nil
}

func (c *Client) Terms(ctx context.Context, index, docType string, body map[string]any) (query.TermsResult, error) {
	req2 := map[string]any{"size": 0}
	for k, v := range body {
		req2[k] = v
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req2); err != nil {
		return query.TermsResult{}, fmt.Errorf("esclient.Terms: encode body: %w", err)
	}

	res, err := c.ES.Search(
		c.ES.Search.WithContext(ctx),
		c.ES.Search.WithIndex(index),
		c.ES.Search.WithBody(&buf),
	)
	if err != nil {
		return query.TermsResult{}, &query.TransientError{Op: "Terms", Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		return query.TermsResult{}, classify("Terms", res)
	}

	var parsed struct {
		Aggregations struct {
			Filtered struct {
				Counts struct {
					Buckets []struct {
						Key      string `json:"key"`
						DocCount int    `json:"doc_count"`
					} `json:"buckets"`
				} `json:"counts"`
			} `json:"filtered"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return query.TermsResult{}, fmt.Errorf("esclient.Terms: decode response: %w", err)
	}

	out := query.TermsResult{}
	for _, b := range parsed.Aggregations.Filtered.Counts.Buckets {
		out.Buckets = append(out.Buckets, query.Bucket{Key: b.Key, DocCount: b.DocCount})
	}
	return out, nil
}

func (c *Client) Create(ctx context.Context, index, docType string, body map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return "", fmt.Errorf("esclient.Create: encode body: %w", err)
	}

	res, err := c.ES.Index(
		index,
		&buf,
		c.ES.Index.WithContext(ctx),
	)
	if err != nil {
		return "", &query.TransientError{Op: "Create", Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		return "", classify("Create", res)
	}

	var parsed struct {
		ID string `json:"_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("esclient.Create: decode response: %w", err)
	}
	return parsed.ID, nil
}

func (c *Client) Delete(ctx context.Context, index, docType, id string) error {
	res, err := c.ES.Delete(
		index,
		id,
		c.ES.Delete.WithContext(ctx),
	)
	if err != nil {
		return &query.TransientError{Op: "Delete", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == 404 {
		return nil
	}
	if res.IsError() {
		return classify("Delete", res)
	}
	return nil
}

// classify inspects an esapi error response's status code to decide
// whether the failure is transient (5xx, worth retrying next tick) or
// structural (4xx, will not resolve itself), truncating the body to
// maxErrorLen.
func classify(op string, res *esapi.Response) error {
	body := res.String()
	msg := timeutil.TruncateError(fmt.Sprintf("%s: %s", res.Status(), body), maxErrorLen)
	err := fmt.Errorf("esclient.%s: %s", op, msg)

	if res.StatusCode >= 500 {
		return &query.TransientError{Op: op, Err: err}
	}
	log.Warn().Str("op", op).Int("status", res.StatusCode).Msg("elasticsearch returned a structural error")
	return err
}
