package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/neotalk/neotalk/pkg/models"
)

// Manager ties the three memory tiers together for the agent.
type Manager struct {
	short  *ShortTerm
	mid    *MidTerm
	long   *LongTerm
	logger *slog.Logger

	consolidateMu sync.Mutex
}

// NewManager creates a memory manager over the three tiers.
func NewManager(short *ShortTerm, mid *MidTerm, long *LongTerm, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		short:  short,
		mid:    mid,
		long:   long,
		logger: logger.With("component", "memory"),
	}
}

// ShortTerm returns the short-term tier.
func (m *Manager) ShortTerm() *ShortTerm { return m.short }

// MidTerm returns the mid-term tier.
func (m *Manager) MidTerm() *MidTerm { return m.mid }

// LongTerm returns the long-term tier.
func (m *Manager) LongTerm() *LongTerm { return m.long }

// RecordTurn appends one completed agent turn to short-term memory.
func (m *Manager) RecordTurn(userInput, assistantResponse string) {
	m.short.Add(models.RoleUser, userInput)
	m.short.Add(models.RoleAssistant, assistantResponse)
}

// Consolidate copies completed short-term turns into the session's
// mid-term history, then clears short-term. The copy and clear are atomic
// with respect to other consolidations: no data is lost, mid-term only
// grows.
func (m *Manager) Consolidate(sessionID string) int {
	m.consolidateMu.Lock()
	defer m.consolidateMu.Unlock()

	messages := m.short.Messages()
	moved := 0
	var pendingUser string
	var haveUser bool
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			pendingUser = msg.Content
			haveUser = true
		case models.RoleAssistant:
			if haveUser {
				m.mid.Add(sessionID, pendingUser, msg.Content)
				moved++
				haveUser = false
			}
		}
	}
	m.short.Clear()
	m.logger.Debug("short-term consolidated", "session", sessionID, "turns", moved)
	return moved
}

// QueryResult is the three-tier answer of QueryAll, each bucket
// independently ranked.
type QueryResult struct {
	ShortTerm []models.ScoredEntry[models.MemoryMessage]     `json:"short_term"`
	MidTerm   []models.ScoredEntry[models.ConversationEntry] `json:"mid_term"`
	LongTerm  []models.ScoredEntry[models.KnowledgeEntry]    `json:"long_term"`
}

// QueryAll searches every tier for the query.
func (m *Manager) QueryAll(ctx context.Context, query string, topK int) (QueryResult, error) {
	result := QueryResult{
		ShortTerm: m.short.Search(query, topK),
		MidTerm:   m.mid.Search(query, topK),
	}
	if m.long != nil {
		long, err := m.long.Search(ctx, query, topK)
		if err != nil {
			return result, err
		}
		result.LongTerm = long
	}
	return result, nil
}
