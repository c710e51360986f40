package memory

import (
	"sync"
	"time"

	"github.com/neotalk/neotalk/pkg/models"
)

// MidTerm holds per-session conversation history with ranked recall.
//
// Ranking: score = 0.8*overlap + 0.2*recency, where overlap is the share
// of query terms present in the entry text and recency is 1/(1+age_hours).
type MidTerm struct {
	mu       sync.RWMutex
	sessions map[string][]models.ConversationEntry
}

// NewMidTerm creates an empty mid-term store.
func NewMidTerm() *MidTerm {
	return &MidTerm{sessions: make(map[string][]models.ConversationEntry)}
}

// Add appends one exchange to a session.
func (m *MidTerm) Add(sessionID, userInput, assistantResponse string) {
	entry := models.ConversationEntry{
		SessionID:         sessionID,
		UserInput:         userInput,
		AssistantResponse: assistantResponse,
		Timestamp:         time.Now(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = append(m.sessions[sessionID], entry)
}

// Session returns a session's entries in insertion order.
func (m *MidTerm) Session(sessionID string) []models.ConversationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ConversationEntry(nil), m.sessions[sessionID]...)
}

// Len returns the total number of entries across sessions.
func (m *MidTerm) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, entries := range m.sessions {
		n += len(entries)
	}
	return n
}

// Search ranks entries against the query across all sessions.
func (m *MidTerm) Search(query string, topK int) []models.ScoredEntry[models.ConversationEntry] {
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		return nil
	}

	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []models.ScoredEntry[models.ConversationEntry]
	for _, entries := range m.sessions {
		for _, entry := range entries {
			overlap := overlapScore(terms, entry.UserInput+" "+entry.AssistantResponse)
			if overlap == 0 {
				continue
			}
			ageHours := now.Sub(entry.Timestamp).Hours()
			if ageHours < 0 {
				ageHours = 0
			}
			recency := 1 / (1 + ageHours)
			score := 0.8*overlap + 0.2*recency
			hits = append(hits, models.ScoredEntry[models.ConversationEntry]{Entry: entry, Score: score})
		}
	}
	sortByScore(hits)
	return capHits(hits, topK)
}

// DeleteSession removes one session's history.
func (m *MidTerm) DeleteSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
