package sigcache

import (
	"sync"
	"time"

	"ag2api-go/internal/store"
	log "github.com/sirupsen/logrus"
)

// SentinelSignature bypasses upstream thought-signature validation when a
// Gemini tool call is replayed without a cached real signature.
const SentinelSignature = "skip_thought_signature_validator"

// ClaudeThinking is what the Claude path caches per tool call: the signature
// plus the thought text needed to rebuild the extended-thinking block.
type ClaudeThinking struct {
	Signature   string
	ThoughtText string
}

type entry struct {
	signature   string
	thoughtText string
	savedAt     time.Time
}

// Cache holds the two signature maps with absolute-time expiry. Reads evict
// lazily. An optional store tier survives restarts.
type Cache struct {
	ttl time.Duration
	st  *store.Store
	now func() time.Time

	mu     sync.RWMutex
	gemini map[string]entry
	claude map[string]entry
}

// New builds a cache. st may be nil to disable persistence.
func New(ttl time.Duration, st *store.Store) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		ttl:    ttl,
		st:     st,
		now:    time.Now,
		gemini: make(map[string]entry),
		claude: make(map[string]entry),
	}
}

// PutToolSignature caches a Gemini functionCall thought signature.
func (c *Cache) PutToolSignature(toolCallID, signature string) {
	if toolCallID == "" || signature == "" {
		return
	}
	c.mu.Lock()
	c.gemini[toolCallID] = entry{signature: signature, savedAt: c.now()}
	c.mu.Unlock()
	c.persist(store.SigKindGemini, toolCallID, signature, "")
}

// GetToolSignature returns the cached signature, or "" when absent/expired.
func (c *Cache) GetToolSignature(toolCallID string) string {
	if e, ok := c.get(c.gemini, toolCallID); ok {
		return e.signature
	}
	if row := c.load(store.SigKindGemini, toolCallID); row != nil {
		c.mu.Lock()
		c.gemini[toolCallID] = entry{signature: row.Signature, savedAt: time.Unix(row.SavedAt, 0)}
		c.mu.Unlock()
		return row.Signature
	}
	return ""
}

// PutClaudeThinking caches the thinking block preceding a Claude tool_use.
func (c *Cache) PutClaudeThinking(toolCallID, signature, thoughtText string) {
	if toolCallID == "" || signature == "" {
		return
	}
	c.mu.Lock()
	c.claude[toolCallID] = entry{signature: signature, thoughtText: thoughtText, savedAt: c.now()}
	c.mu.Unlock()
	c.persist(store.SigKindClaude, toolCallID, signature, thoughtText)
}

// GetClaudeThinking returns the cached block, or nil when absent/expired. A
// nil result on a tool-history turn makes the caller downgrade thinking.
func (c *Cache) GetClaudeThinking(toolCallID string) *ClaudeThinking {
	if e, ok := c.get(c.claude, toolCallID); ok {
		return &ClaudeThinking{Signature: e.signature, ThoughtText: e.thoughtText}
	}
	if row := c.load(store.SigKindClaude, toolCallID); row != nil {
		c.mu.Lock()
		c.claude[toolCallID] = entry{signature: row.Signature, thoughtText: row.ThoughtText, savedAt: time.Unix(row.SavedAt, 0)}
		c.mu.Unlock()
		return &ClaudeThinking{Signature: row.Signature, ThoughtText: row.ThoughtText}
	}
	return nil
}

func (c *Cache) get(m map[string]entry, key string) (entry, bool) {
	c.mu.RLock()
	e, ok := m[key]
	c.mu.RUnlock()
	if !ok {
		return entry{}, false
	}
	if c.now().Sub(e.savedAt) > c.ttl {
		c.mu.Lock()
		delete(m, key)
		c.mu.Unlock()
		return entry{}, false
	}
	return e, true
}

func (c *Cache) persist(kind, toolCallID, signature, thoughtText string) {
	if c.st == nil {
		return
	}
	if err := c.st.SaveSignature(kind, toolCallID, signature, thoughtText); err != nil {
		log.WithFields(log.Fields{"kind": kind, "tool_call_id": toolCallID}).
			WithError(err).Debug("signature persist failed")
	}
}

func (c *Cache) load(kind, toolCallID string) *store.SavedSignature {
	if c.st == nil {
		return nil
	}
	row, err := c.st.GetSignature(kind, toolCallID, c.ttl)
	if err != nil {
		log.WithField("tool_call_id", toolCallID).WithError(err).Debug("signature load failed")
		return nil
	}
	return row
}
