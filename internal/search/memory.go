package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/recheckstack/recheck/internal/models"
)

// MemoryClient evaluates queries locally over a fixed document set. It backs
// the local mock search server and engine tests.
type MemoryClient struct {
	mu   sync.RWMutex
	docs []models.Document
}

// NewMemoryClient returns a client holding docs.
func NewMemoryClient(docs ...models.Document) *MemoryClient {
	m := &MemoryClient{}
	m.Add(docs...)
	return m
}

// Add appends documents.
func (m *MemoryClient) Add(docs ...models.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		m.docs = append(m.docs, d.Clone())
	}
}

// Search returns documents inside the window that satisfy the query, newest first.
func (m *MemoryClient) Search(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, &Error{Temporary: true, Err: err}
	}
	if req.Query == nil {
		return Response{}, &Error{Malformed: true, Err: errors.New("empty query")}
	}
	if err := req.Window.Validate(); err != nil {
		return Response{}, &Error{Malformed: true, Err: err}
	}

	m.mu.RLock()
	var matched []models.Document
	for _, d := range m.docs {
		if req.Window.Contains(d.Timestamp) && req.Query.Match(d.Fields) {
			matched = append(matched, d.Clone())
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	out := Response{Total: int64(len(matched))}
	if req.Distinct != "" {
		seen := make(map[string]struct{})
		for _, d := range matched {
			if v, ok := d.Fields[req.Distinct]; ok && v != nil {
				seen[fmt.Sprint(v)] = struct{}{}
			}
		}
		out.Distinct = int64(len(seen))
	}
	if req.Size > 0 {
		if len(matched) > req.Size {
			matched = matched[:req.Size]
		}
		out.Hits = matched
	}
	return out, nil
}

// LoadDocuments decodes a JSON array of flat log documents. "_id" becomes the
// document ID and "@timestamp" (RFC3339) its timestamp; every other key is a field.
func LoadDocuments(r io.Reader) ([]models.Document, error) {
	var raw []map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	docs := make([]models.Document, 0, len(raw))
	for i, fields := range raw {
		doc := models.Document{Fields: fields}
		if id, ok := fields["_id"].(string); ok {
			doc.ID = id
			delete(fields, "_id")
		} else {
			doc.ID = fmt.Sprintf("doc-%d", i)
		}
		ts, ok := fields["@timestamp"].(string)
		if !ok {
			return nil, fmt.Errorf("document %s: missing @timestamp", doc.ID)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", doc.ID, err)
		}
		doc.Timestamp = parsed.UTC()
		docs = append(docs, doc)
	}
	return docs, nil
}
