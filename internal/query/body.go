package query

import "time"

// BuildSearchBody builds a search body: the rule's opaque filters plus a
// range clause on the timestamp field, sorted ascending when sort is
// true.
func BuildSearchBody(filters []any, timestampField string, start, end time.Time, sort bool) map[string]any {
	must := append([]any{}, filters...)
	must = append(must, map[string]any{
		"range": map[string]any{
			timestampField: map[string]any{
				"from": start.UTC().Format(wireLayout),
				"to":   end.UTC().Format(wireLayout),
			},
		},
	})

	body := map[string]any{
		"filter": map[string]any{
			"bool": map[string]any{
				"must": must,
			},
		},
	}
	if sort {
		body["sort"] = []any{
			map[string]any{timestampField: "asc"},
		}
	}
	return body
}

// BuildCountBody wraps a sort-less search body in the "query.filtered"
// envelope count queries use.
func BuildCountBody(filters []any, timestampField string, start, end time.Time) map[string]any {
	base := BuildSearchBody(filters, timestampField, start, end, false)
	return map[string]any{
		"query": map[string]any{
			"filtered": base,
		},
	}
}

// BuildTermsBody wraps a sort-less search body in a terms aggregation on
// field.
func BuildTermsBody(filters []any, timestampField string, start, end time.Time, field string, size int) map[string]any {
	base := BuildSearchBody(filters, timestampField, start, end, false)
	base["aggs"] = map[string]any{
		"counts": map[string]any{
			"terms": map[string]any{
				"field": field,
				"size":  size,
			},
		},
	}
	return map[string]any{
		"aggs": map[string]any{
			"filtered": base,
		},
	}
}

const wireLayout = "2006-01-02T15:04:05.000Z"
