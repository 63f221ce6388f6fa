// Package urg is the unified resource graph: the tenant-isolated index of
// normalised connector records. Resources are persisted to append-only
// per-tenant daily JSONL shards and served from in-memory posting lists.
package urg

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Resource is one normalised record in the graph.
type Resource struct {
	ID           string         `json:"id"`
	GraphID      string         `json:"graph_id"`
	Type         string         `json:"type"`
	Source       string         `json:"source"`
	Tenant       string         `json:"tenant"`
	Title        string         `json:"title,omitempty"`
	Snippet      string         `json:"snippet,omitempty"`
	Timestamp    time.Time      `json:"timestamp,omitempty"`
	Participants []string       `json:"participants,omitempty"`
	Labels       []string       `json:"labels,omitempty"`
	ThreadID     string         `json:"thread_id,omitempty"`
	ChannelID    string         `json:"channel_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// GraphURN builds the stable identifier urn:<source>:<type>:<original_id>.
func GraphURN(source, resourceType, id string) string {
	return fmt.Sprintf("urn:%s:%s:%s", source, resourceType, id)
}

// Tokenize lowercases and splits on non-alphanumeric runes. Single-rune
// tokens are dropped; they bloat the posting lists without discriminating.
func Tokenize(fields ...string) []string {
	seen := make(map[string]struct{})
	var tokens []string
	for _, field := range fields {
		for _, tok := range strings.FieldsFunc(strings.ToLower(field), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			if len(tok) < 2 {
				continue
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// tokensOf returns the index tokens of a resource: title, snippet,
// participants, labels, and the original id.
func tokensOf(r *Resource) []string {
	fields := []string{r.Title, r.Snippet, r.ID}
	fields = append(fields, r.Participants...)
	fields = append(fields, r.Labels...)
	return Tokenize(fields...)
}
