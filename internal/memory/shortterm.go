// Package memory provides the agent's tiered memory: a token-bounded
// short-term turn buffer, session-indexed mid-term recall, and a
// categorised long-term knowledge base.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/neotalk/neotalk/pkg/models"
)

// Summarizer condenses evicted short-term content into one summary
// message. Optional.
type Summarizer func(evicted []models.MemoryMessage) string

// ShortTerm is a token-bounded FIFO of role-tagged messages. When the
// bound is exceeded the oldest entries evict; with a summariser installed,
// evicted content collapses into a single system summary message.
type ShortTerm struct {
	mu         sync.Mutex
	messages   []models.MemoryMessage
	maxTokens  int
	summarizer Summarizer
}

// DefaultMaxTokens bounds the short-term buffer when no limit is given.
const DefaultMaxTokens = 4000

// NewShortTerm creates a short-term buffer.
func NewShortTerm(maxTokens int, summarizer Summarizer) *ShortTerm {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &ShortTerm{maxTokens: maxTokens, summarizer: summarizer}
}

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// Add appends a message, evicting the oldest entries past the token
// bound.
func (s *ShortTerm) Add(role models.MemoryRole, content string) {
	msg := models.MemoryMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Tokens:    EstimateTokens(content),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.evictLocked()
}

func (s *ShortTerm) evictLocked() {
	total := 0
	for _, m := range s.messages {
		total += m.Tokens
	}
	if total <= s.maxTokens {
		return
	}

	var evicted []models.MemoryMessage
	for total > s.maxTokens && len(s.messages) > 1 {
		evicted = append(evicted, s.messages[0])
		total -= s.messages[0].Tokens
		s.messages = s.messages[1:]
	}

	if len(evicted) > 0 && s.summarizer != nil {
		summary := s.summarizer(evicted)
		if summary != "" {
			msg := models.MemoryMessage{
				Role:      models.RoleSystem,
				Content:   summary,
				Timestamp: time.Now(),
				Tokens:    EstimateTokens(summary),
			}
			s.messages = append([]models.MemoryMessage{msg}, s.messages...)
		}
	}
}

// Messages returns a copy of the buffer, oldest first.
func (s *ShortTerm) Messages() []models.MemoryMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.MemoryMessage(nil), s.messages...)
}

// TokenCount returns the buffer's current token total.
func (s *ShortTerm) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, m := range s.messages {
		total += m.Tokens
	}
	return total
}

// Clear empties the buffer.
func (s *ShortTerm) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// Search returns messages containing the query terms, scored by term
// overlap.
func (s *ShortTerm) Search(query string, topK int) []models.ScoredEntry[models.MemoryMessage] {
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var hits []models.ScoredEntry[models.MemoryMessage]
	for _, m := range s.messages {
		score := overlapScore(terms, m.Content)
		if score > 0 {
			hits = append(hits, models.ScoredEntry[models.MemoryMessage]{Entry: m, Score: score})
		}
	}
	sortByScore(hits)
	return capHits(hits, topK)
}

// tokenizeQuery lowercases and splits a query into terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// overlapScore is |query terms present in text| / |query terms|.
func overlapScore(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	matched := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func sortByScore[T any](hits []models.ScoredEntry[T]) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}

func capHits[T any](hits []models.ScoredEntry[T], topK int) []models.ScoredEntry[T] {
	if topK > 0 && len(hits) > topK {
		return hits[:topK]
	}
	return hits
}
