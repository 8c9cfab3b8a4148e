package engine

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/tendant/object-gateway/pkg/gateway"
)

// SearchQuery selects records by name, free text, tags and content type.
// Every set criterion must match.
type SearchQuery struct {
	Query          string   `json:"query,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	ContentType    string   `json:"content_type,omitempty"`
	NamePattern    string   `json:"name_pattern,omitempty"`
	IncludeDeleted bool     `json:"include_deleted"`
}

type SearchResults struct {
	Results    []*gateway.Metadata `json:"results"`
	TotalCount int                 `json:"total_count"`
}

// Search returns matching records of storage, most recently updated first.
// Version copies never match.
func (e *Engine) Search(ctx context.Context, storage string, q SearchQuery) (*SearchResults, error) {
	records, err := e.List(ctx, storage, ListOptions{IncludeDeleted: q.IncludeDeleted})
	if err != nil {
		return nil, err
	}
	results := slices.DeleteFunc(records, func(m *gateway.Metadata) bool { return !q.matches(m) })
	slices.SortStableFunc(results, func(a, b *gateway.Metadata) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return &SearchResults{Results: results, TotalCount: len(results)}, nil
}

func (q SearchQuery) matches(m *gateway.Metadata) bool {
	name := strings.ToLower(m.Key)
	if q.NamePattern != "" && !strings.Contains(name, strings.ToLower(q.NamePattern)) {
		return false
	}
	if q.Query != "" {
		needle := strings.ToLower(q.Query)
		if !strings.Contains(name, needle) && !strings.Contains(customText(m), needle) {
			return false
		}
	}
	for _, tag := range q.Tags {
		if !m.HasTag(tag) {
			return false
		}
	}
	if q.ContentType != "" && m.ContentType != q.ContentType {
		return false
	}
	return true
}

func customText(m *gateway.Metadata) string {
	if len(m.Custom) == 0 {
		return ""
	}
	b, err := json.Marshal(m.Custom)
	if err != nil {
		return ""
	}
	return strings.ToLower(string(b))
}
