// Package memclient is an in-memory query.Client used by engine tests and
// the --mock demo mode. It stores documents per index and answers
// search/count/terms against a configurable matcher function, since
// reimplementing Elasticsearch's query DSL isn't the point — the engine
// only needs a deterministic stand-in that honors the Client contract.
package memclient

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elastalert-go/elastalert/internal/query"
)

// Doc is a stored document.
type Doc struct {
	ID     string
	Index  string
	Source map[string]any
}

// Matcher decides whether doc falls within (start, end] on the given
// timestamp field. Tests construct a Client with a matcher appropriate to
// the fixture data; production code never uses memclient.
type Matcher func(doc map[string]any, timestampField string, start, end time.Time) bool

// Client is a goroutine-safe, in-memory implementation of query.Client.
type Client struct {
	mu      sync.Mutex
	docs    map[string][]Doc // index -> docs, insertion order preserved
	matcher Matcher
	fail    error // when set, every call returns this error
}

// New returns a Client using DefaultMatcher.
func New() *Client {
	return &Client{docs: make(map[string][]Doc), matcher: DefaultMatcher}
}

// DefaultMatcher expects doc[timestampField] to be an RFC3339 string and
// matches the range (start, end]: exclusive of start, inclusive of end,
// so consecutive chunks sharing a boundary never both contain a document.
func DefaultMatcher(doc map[string]any, timestampField string, start, end time.Time) bool {
	raw, ok := doc[timestampField].(string)
	if !ok {
		return false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05.000Z", raw)
		if err != nil {
			return false
		}
	}
	t = t.UTC()
	return t.After(start) && !t.After(end)
}

// Seed inserts a document directly, bypassing Create, for test fixtures.
func (c *Client) Seed(index, id string, source map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[index] = append(c.docs[index], Doc{ID: id, Index: index, Source: source})
}

// SetFailure makes every subsequent call return err. Passing nil clears it.
func (c *Client) SetFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

// Docs returns a snapshot of all documents stored for index, for
// assertions in tests.
func (c *Client) Docs(index string) []Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Doc, len(c.docs[index]))
	copy(out, c.docs[index])
	return out
}

func (c *Client) Search(ctx context.Context, index string, body map[string]any, size int, sourceFields []string) (query.SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return query.SearchResult{}, &query.TransientError{Op: "Search", Err: c.fail}
	}

	start, end, field := extractRange(body)
	terms := extractTermClauses(body)
	var hits []query.Hit
	for _, d := range c.docs[index] {
		if field != "" && !c.matcher(d.Source, field, start, end) {
			continue
		}
		if !matchesTerms(d.Source, terms) {
			continue
		}
		hits = append(hits, query.Hit{ID: d.ID, Source: projectFields(d.Source, sourceFields)})
	}
	sortField, desc := extractSort(body)
	if sortField == "" {
		sortField = field
	}
	sort.SliceStable(hits, func(i, j int) bool {
		ti, _ := hits[i].Source[sortField].(string)
		tj, _ := hits[j].Source[sortField].(string)
		if desc {
			return ti > tj
		}
		return ti < tj
	})
	total := len(hits)
	if size > 0 && len(hits) > size {
		hits = hits[:size]
	}
	return query.SearchResult{Hits: hits, Total: total}, nil
}

func (c *Client) Count(ctx context.Context, index, docType string, body map[string]any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return 0, &query.TransientError{Op: "Count", Err: c.fail}
	}
	start, end, field := extractCountRange(body)
	filtered, _ := body["query"].(map[string]any)["filtered"].(map[string]any)
	terms := extractTermClauses(filtered)
	n := 0
	for _, d := range c.docs[index] {
		if field != "" && !c.matcher(d.Source, field, start, end) {
			continue
		}
		if !matchesTerms(d.Source, terms) {
			continue
		}
		n++
	}
	return n, nil
}

func (c *Client) Terms(ctx context.Context, index, docType string, body map[string]any) (query.TermsResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return query.TermsResult{}, &query.TransientError{Op: "Terms", Err: c.fail}
	}
	field, size, start, end, tsField := extractTerms(body)
	counts := make(map[string]int)
	var order []string
	for _, d := range c.docs[index] {
		if tsField != "" && !c.matcher(d.Source, tsField, start, end) {
			continue
		}
		key, _ := d.Source[field].(string)
		if _, ok := counts[key]; !ok {
			order = append(order, key)
		}
		counts[key]++
	}
	sort.Slice(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if size > 0 && len(order) > size {
		order = order[:size]
	}
	var buckets []query.Bucket
	for _, k := range order {
		buckets = append(buckets, query.Bucket{Key: k, DocCount: counts[k]})
	}
	return query.TermsResult{Buckets: buckets}, nil
}

func (c *Client) Create(ctx context.Context, index, docType string, body map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return "", &query.TransientError{Op: "Create", Err: c.fail}
	}
	id := uuid.NewString()
	c.docs[index] = append(c.docs[index], Doc{ID: id, Index: index, Source: body})
	return id, nil
}

func (c *Client) Delete(ctx context.Context, index, docType, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return &query.TransientError{Op: "Delete", Err: c.fail}
	}
	docs := c.docs[index]
	for i, d := range docs {
		if d.ID == id {
			c.docs[index] = append(docs[:i], docs[i+1:]...)
			return nil
		}
	}
	return nil
}

func projectFields(source map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return source
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := source[f]; ok {
			out[f] = v
		}
	}
	return out
}

func extractRange(body map[string]any) (time.Time, time.Time, string) {
	filter, _ := body["filter"].(map[string]any)
	b, _ := filter["bool"].(map[string]any)
	must, _ := b["must"].([]any)
	for _, m := range must {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		rng, ok := mm["range"].(map[string]any)
		if !ok {
			continue
		}
		for field, v := range rng {
			fv, _ := v.(map[string]any)
			start, _ := time.Parse("2006-01-02T15:04:05.000Z", fv["from"].(string))
			end, _ := time.Parse("2006-01-02T15:04:05.000Z", fv["to"].(string))
			return start.UTC(), end.UTC(), field
		}
	}
	return time.Time{}, time.Time{}, ""
}

// extractTermClauses pulls every `{"term": {field: value}}` must-clause
// out of a search body, mirroring how StateStore narrows its lookups by
// doc_kind/rule_name/alert_sent. Real Elasticsearch evaluates these
// alongside the range clause; memclient needs to do the same so a
// FindPendingAlerts-style query doesn't return documents belonging to an
// unrelated rule or document kind.
func extractTermClauses(body map[string]any) map[string]any {
	filter, _ := body["filter"].(map[string]any)
	b, _ := filter["bool"].(map[string]any)
	must, _ := b["must"].([]any)

	terms := make(map[string]any)
	for _, m := range must {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		term, ok := mm["term"].(map[string]any)
		if !ok {
			continue
		}
		for field, v := range term {
			terms[field] = v
		}
	}
	return terms
}

// matchesTerms reports whether doc satisfies every exact-match term
// clause extracted by extractTermClauses.
func matchesTerms(doc map[string]any, terms map[string]any) bool {
	for field, want := range terms {
		got, ok := doc[field]
		if !ok {
			return false
		}
		if want == got {
			continue
		}
		// JSON round-tripping through statestore.toDoc keeps string and
		// bool values as the same Go types the term clauses use, so a
		// plain mismatch is a real mismatch. Numbers come back as float64
		// and would not equal an int term value; no term clause in this
		// project uses a numeric value.
		return false
	}
	return true
}

// extractSort reads the body's sort clause. Timestamps are stored as
// RFC3339 strings, so a plain string compare orders them correctly —
// which is all StateStore's newest-first lookups need.
func extractSort(body map[string]any) (field string, desc bool) {
	entries, _ := body["sort"].([]any)
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		for f, dir := range m {
			d, _ := dir.(string)
			return f, d == "desc"
		}
	}
	return "", false
}

func extractCountRange(body map[string]any) (time.Time, time.Time, string) {
	filtered, _ := body["query"].(map[string]any)["filtered"].(map[string]any)
	return extractRange(filtered)
}

func extractTerms(body map[string]any) (field string, size int, start, end time.Time, tsField string) {
	filtered, _ := body["aggs"].(map[string]any)["filtered"].(map[string]any)
	start, end, tsField = extractRange(filtered)
	aggs, _ := filtered["aggs"].(map[string]any)
	counts, _ := aggs["counts"].(map[string]any)
	terms, _ := counts["terms"].(map[string]any)
	field, _ = terms["field"].(string)
	switch s := terms["size"].(type) {
	case int:
		size = s
	case float64:
		size = int(s)
	case string:
		n, _ := strconv.Atoi(s)
		size = n
	}
	return
}
