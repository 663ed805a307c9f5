// Package retrieval supplies topic-relevant passages from the workbook used
// to ground clarifying questions and stage replies.
//
// Retrievers never fail towards the caller: errors are logged and an empty
// result is returned.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// DefaultTopK is used when a caller passes a non-positive topK.
const DefaultTopK = 3

// Passage is one ranked search hit.
type Passage struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score"`
}

// Document is one passage as stored in an index.
type Document struct {
	Topic   string `yaml:"topic" json:"topic"`
	Content string `yaml:"content" json:"content"`
	Source  string `yaml:"source,omitempty" json:"source,omitempty"`
}

// Retriever looks up passages for a query, optionally restricted to a topic.
type Retriever interface {
	Search(ctx context.Context, query, topic string, topK int) []Passage
}

// NoopRetriever never finds anything. It is used when no index is configured.
type NoopRetriever struct{}

// Search always returns an empty result.
func (NoopRetriever) Search(ctx context.Context, query, topic string, topK int) []Passage {
	return nil
}

var stopwords = map[string]bool{
	"che": true, "non": true, "per": true, "con": true, "una": true, "uno": true,
	"del": true, "della": true, "dei": true, "delle": true, "nel": true, "nella": true,
	"sono": true, "come": true, "più": true, "anche": true, "questo": true, "questa": true,
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"alla": true, "allo": true, "agli": true, "gli": true, "dal": true, "dalla": true,
	"cosa": true, "quando": true, "hai": true,
}

// terms lowercases text and returns its distinct content words.
func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// overlapScore returns the share of query terms found in content, weighted
// slightly by how often they occur.
func overlapScore(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, w := range strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		counts[w]++
	}
	var matched, freq float64
	for _, t := range queryTerms {
		if n := counts[t]; n > 0 {
			matched++
			freq += float64(n)
		}
	}
	if matched == 0 {
		return 0
	}
	return matched/float64(len(queryTerms)) + 0.01*freq
}

// rank sorts passages by descending score and keeps the best topK.
func rank(passages []Passage, topK int) []Passage {
	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].Score > passages[j].Score
	})
	if len(passages) > topK {
		passages = passages[:topK]
	}
	return passages
}
