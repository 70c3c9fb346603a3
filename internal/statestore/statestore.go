// Package statestore persists the four writeback document kinds
// (AlertRecord, SilenceRecord, StatusRecord, ErrorRecord) to the backing
// store's writeback index, over the query.Client port. The StateStore
// has no local disk state of its own — every write goes through
// Client.Create against the writeback index. A failing client is never
// retried inside the call: it is nulled out and rebuilt lazily on first
// use next tick, the same lazy-reconstruct shape bootstrap.ClientPool
// uses for the query clients themselves.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/elastalert-go/elastalert/internal/models"
	"github.com/elastalert-go/elastalert/internal/query"
)

const (
	docType = "_doc"

	// kindField discriminates the four writeback document kinds sharing
	// one index. All four live in one index/doc_type with a tag on each
	// document, since query.Client has no notion of per-document-kind
	// mapping — without the tag, a status and an alert for the same rule
	// would be indistinguishable to a term query on rule_name.
	kindField = "doc_kind"

	kindStatus  = "elastalert_status"
	kindAlert   = "elastalert"
	kindSilence = "silence"
	kindError   = "elastalert_error"
)

// StateStore writes status, alert, silence, and error documents to the
// configured writeback index. Writes for a single rule are serialized by
// mu so a status write and an alert write never interleave on the wire
// in a way that would confuse a reader replaying the index.
type StateStore struct {
	client  client
	index   string
	mu      sync.Mutex
	rebuild func() (query.Client, error)
}

// client is the subset of query.Client StateStore needs, named so tests
// can substitute a fake without pulling in memclient.
type client interface {
	Search(ctx context.Context, index string, body map[string]any, size int, sourceFields []string) (query.SearchResult, error)
	Create(ctx context.Context, index, docType string, body map[string]any) (string, error)
	Delete(ctx context.Context, index, docType, id string) error
}

// New builds a StateStore writing to the given writeback index using a
// fixed client. A write failure marks the store unavailable for the rest
// of the process's life, since there is no rebuild function to call; use
// NewWithRebuild when the caller has one (e.g. a bootstrap.ClientPool).
func New(c query.Client, index string) *StateStore {
	return &StateStore{client: c, index: index}
}

// NewWithRebuild builds a StateStore that lazily reconstructs its client
// via rebuild after any call fails, instead of retrying inside the
// failing call. rebuild is invoked to obtain the initial client too.
func NewWithRebuild(index string, rebuild func() (query.Client, error)) (*StateStore, error) {
	c, err := rebuild()
	if err != nil {
		return nil, fmt.Errorf("statestore.NewWithRebuild: %w", err)
	}
	return &StateStore{client: c, index: index, rebuild: rebuild}, nil
}

// WriteStatus persists a StatusRecord, one per rule per tick.
func (s *StateStore) WriteStatus(ctx context.Context, rec models.StatusRecord) error {
	return s.write(ctx, "status", toDoc(rec, kindStatus))
}

// WriteAlert persists an AlertRecord, returning the backing store's
// generated document id so the caller can later mark it sent or delete
// it once aggregation/silence bookkeeping is done with it.
func (s *StateStore) WriteAlert(ctx context.Context, rec models.AlertRecord) (string, error) {
	var id string
	err := s.write(ctx, "alert", func(c client) (string, error) {
		newID, err := c.Create(ctx, s.index, docType, toDoc(rec, kindAlert))
		id = newID
		return newID, err
	})
	return id, err
}

// WriteSilence persists a SilenceRecord.
func (s *StateStore) WriteSilence(ctx context.Context, rec models.SilenceRecord) error {
	return s.write(ctx, "silence", toDoc(rec, kindSilence))
}

// WriteError persists an ErrorRecord.
func (s *StateStore) WriteError(ctx context.Context, rec models.ErrorRecord) error {
	return s.write(ctx, "error", toDoc(rec, kindError))
}

// DeletePendingAlert removes an alert document once it has been
// delivered and folded into an aggregate, or once its record is no
// longer needed.
func (s *StateStore) DeletePendingAlert(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ensureClient()
	if err != nil {
		return fmt.Errorf("statestore.DeletePendingAlert: %w", err)
	}
	if err := c.Delete(ctx, s.index, docType, id); err != nil {
		s.markDead("delete", err)
		return fmt.Errorf("statestore.DeletePendingAlert: %w", err)
	}
	return nil
}

// FindPendingAlerts returns alert documents not yet marked alert_sent for
// ruleName, for AlertFlow.send_pending_alerts to retry.
func (s *StateStore) FindPendingAlerts(ctx context.Context, ruleName string) ([]models.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.ensureClient()
	if err != nil {
		return nil, fmt.Errorf("statestore.FindPendingAlerts: %w", err)
	}

	body := map[string]any{
		"filter": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{kindField: kindAlert}},
					map[string]any{"term": map[string]any{"rule_name": ruleName}},
					map[string]any{"term": map[string]any{"alert_sent": false}},
				},
			},
		},
	}
	res, err := c.Search(ctx, s.index, body, 1000, nil)
	if err != nil {
		s.markDead("search", err)
		return nil, fmt.Errorf("statestore.FindPendingAlerts: %w", err)
	}

	out := make([]models.AlertRecord, 0, len(res.Hits))
	for _, h := range res.Hits {
		var rec models.AlertRecord
		raw, err := json.Marshal(h.Source)
		if err != nil {
			log.Debug().Err(err).Str("rule", ruleName).Msg("dropping malformed persisted alert: re-marshal failed")
			continue
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Debug().Err(err).Str("rule", ruleName).Msg("dropping malformed persisted alert")
			continue
		}
		rec.ID = h.ID
		out = append(out, rec)
	}
	return out, nil
}

// LatestSilence returns the most recent SilenceRecord for key, if any.
func (s *StateStore) LatestSilence(ctx context.Context, key string) (models.SilenceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.ensureClient()
	if err != nil {
		return models.SilenceRecord{}, false, fmt.Errorf("statestore.LatestSilence: %w", err)
	}

	body := map[string]any{
		"filter": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{kindField: kindSilence}},
					map[string]any{"term": map[string]any{"rule_name": key}},
				},
			},
		},
		"sort": []any{
			map[string]any{"@timestamp": "desc"},
		},
	}
	res, err := c.Search(ctx, s.index, body, 1, nil)
	if err != nil {
		s.markDead("search", err)
		return models.SilenceRecord{}, false, fmt.Errorf("statestore.LatestSilence: %w", err)
	}
	if len(res.Hits) == 0 {
		return models.SilenceRecord{}, false, nil
	}

	var rec models.SilenceRecord
	raw, err := json.Marshal(res.Hits[0].Source)
	if err != nil {
		return models.SilenceRecord{}, false, nil
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.SilenceRecord{}, false, nil
	}
	return rec, true, nil
}

// LatestStatus returns the most recently persisted StatusRecord for
// ruleName, used on startup to recover a rule's checkpoint from its last
// tick's endtime.
func (s *StateStore) LatestStatus(ctx context.Context, ruleName string) (models.StatusRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.ensureClient()
	if err != nil {
		return models.StatusRecord{}, false, fmt.Errorf("statestore.LatestStatus: %w", err)
	}

	body := map[string]any{
		"filter": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{kindField: kindStatus}},
					map[string]any{"term": map[string]any{"rule_name": ruleName}},
				},
			},
		},
		"sort": []any{
			map[string]any{"@timestamp": "desc"},
		},
	}
	res, err := c.Search(ctx, s.index, body, 1, nil)
	if err != nil {
		s.markDead("search", err)
		return models.StatusRecord{}, false, fmt.Errorf("statestore.LatestStatus: %w", err)
	}
	if len(res.Hits) == 0 {
		return models.StatusRecord{}, false, nil
	}

	var rec models.StatusRecord
	raw, err := json.Marshal(res.Hits[0].Source)
	if err != nil {
		return models.StatusRecord{}, false, nil
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.StatusRecord{}, false, nil
	}
	return rec, true, nil
}

// ensureClient returns the live client, rebuilding it first if a prior
// call marked it dead. Must be called with mu held.
func (s *StateStore) ensureClient() (client, error) {
	if s.client != nil {
		return s.client, nil
	}
	if s.rebuild == nil {
		return nil, errors.New("statestore: client unavailable")
	}
	c, err := s.rebuild()
	if err != nil {
		return nil, fmt.Errorf("statestore: rebuild client: %w", err)
	}
	s.client = c
	return c, nil
}

// markDead nulls the client so the next call rebuilds it instead of
// reusing one that just failed. Must be called with mu held.
func (s *StateStore) markDead(kind string, err error) {
	log.Warn().Err(err).Str("kind", kind).
		Msg("writeback client failed, marking dead for lazy reconstruction next tick")
	s.client = nil
}

// write makes a single attempt against the writeback store — no
// in-tick retry or backoff. On failure the client is marked dead so the
// next call, on the next tick, rebuilds it instead of hammering the one
// that just failed. docOrThunk is either a plain document body or a
// thunk returning (id, error) — WriteAlert needs the generated id back
// out, the others don't care.
func (s *StateStore) write(ctx context.Context, kind string, docOrThunk any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.ensureClient()
	if err != nil {
		return fmt.Errorf("statestore.write: %s: %w", kind, err)
	}

	switch v := docOrThunk.(type) {
	case map[string]any:
		_, err = c.Create(ctx, s.index, docType, v)
	case func(client) (string, error):
		_, err = v(c)
	default:
		err = errors.New("statestore: unsupported write payload")
	}

	if err != nil {
		s.markDead(kind, err)
		return fmt.Errorf("statestore.write: failed to persist %s document: %w", kind, err)
	}
	return nil
}

func toDoc(v any, kind string) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{kindField: kind}
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	m[kindField] = kind
	return m
}
