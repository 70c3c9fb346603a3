package esclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastalert-go/elastalert/internal/query"
)

// captureTransport records the request body esclient puts on the wire
// and answers with an empty, well-formed response.
type captureTransport struct {
	body map[string]any
	path string
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.path = req.URL.Path
	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		if err == nil && len(raw) > 0 {
			_ = json.Unmarshal(raw, &c.body)
		}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(`{"count":0,"hits":{"total":{"value":0},"hits":[]}}`)),
		Header: http.Header{
			"Content-Type":      []string{"application/json"},
			"X-Elastic-Product": []string{"Elasticsearch"},
		},
	}, nil
}

func newCapturingClient(t *testing.T) (*Client, *captureTransport) {
	t.Helper()
	ct := &captureTransport{}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{"http://store.invalid:9200"},
		Transport: ct,
	})
	require.NoError(t, err)
	return &Client{ES: es}, ct
}

// TestSearchSendsBodyUnwrapped: the search body arrives fully formed
// (filter + sort) and must go on the wire as-is — re-wrapping it would
// bury the sort clause where the server no longer honors it, breaking
// both ascending-hit ordering and newest-first writeback lookups.
func TestSearchSendsBodyUnwrapped(t *testing.T) {
	c, ct := newCapturingClient(t)

	start := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	body := query.BuildSearchBody(nil, "@timestamp", start, start.Add(time.Minute), true)
	_, err := c.Search(context.Background(), "events", body, 100, []string{"message"})
	require.NoError(t, err)

	require.NotNil(t, ct.body)
	assert.NotContains(t, ct.body, "query", "the body must not gain a query.filtered envelope")
	assert.Contains(t, ct.body, "filter")
	assert.Contains(t, ct.body, "sort", "sort must stay at the top level")
	assert.Equal(t, float64(100), ct.body["size"])
	assert.Equal(t, []any{"message"}, ct.body["_source"])
}

// TestCountSendsPrebuiltBodyThrough: BuildCountBody already produces the
// query.filtered envelope, so Count passes it along untouched.
func TestCountSendsPrebuiltBodyThrough(t *testing.T) {
	c, ct := newCapturingClient(t)

	start := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	body := query.BuildCountBody(nil, "@timestamp", start, start.Add(time.Minute))
	_, err := c.Count(context.Background(), "events", "", body)
	require.NoError(t, err)

	require.NotNil(t, ct.body)
	q, ok := ct.body["query"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, q, "filtered")
}

// TestTermsAddsSizeZeroOnly: Terms runs as a search with size 0, keeping
// the pre-built aggs envelope intact.
func TestTermsAddsSizeZeroOnly(t *testing.T) {
	c, ct := newCapturingClient(t)

	start := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	body := query.BuildTermsBody(nil, "@timestamp", start, start.Add(time.Minute), "status", 5)
	_, err := c.Terms(context.Background(), "events", "", body)
	require.NoError(t, err)

	require.NotNil(t, ct.body)
	assert.Equal(t, float64(0), ct.body["size"])
	assert.Contains(t, ct.body, "aggs")
	assert.NotContains(t, ct.body, "query")
}
