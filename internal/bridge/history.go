package bridge

import (
	"sync"

	"github.com/talkincode/wabridge/internal/domain"
)

type chatKey struct {
	session string
	chat    string
}

// History is the bounded per-(session, chat) message buffer. Appends trim
// oldest-first; the buffer for any chat never exceeds the configured cap.
type History struct {
	mu    sync.Mutex
	cap   int
	chats map[chatKey][]domain.Message
}

func NewHistory(capPerChat int) *History {
	if capPerChat <= 0 {
		capPerChat = 200
	}
	return &History{
		cap:   capPerChat,
		chats: make(map[chatKey][]domain.Message),
	}
}

// Cap returns the configured per-chat message cap.
func (h *History) Cap() int { return h.cap }

// Remember appends a message to the (session, chat) buffer. The chat address
// must already be canonical.
func (h *History) Remember(session, chat string, msg domain.Message) {
	k := chatKey{session, chat}
	h.mu.Lock()
	buf := append(h.chats[k], msg)
	if n := len(buf) - h.cap; n > 0 {
		buf = buf[n:]
	}
	h.chats[k] = buf
	h.mu.Unlock()
}

// Read returns the most recent limit messages in chronological order, or
// ErrNoHistory when nothing is buffered for the chat so callers fall back to
// the durable store. limit <= 0 means the caller's default; the buffer cap is
// the hard ceiling either way.
func (h *History) Read(session, chat string, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > h.cap {
		limit = h.cap
	}
	k := chatKey{session, chat}
	h.mu.Lock()
	buf := h.chats[k]
	if len(buf) == 0 {
		h.mu.Unlock()
		return nil, ErrNoHistory
	}
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	out := make([]domain.Message, len(buf))
	copy(out, buf)
	h.mu.Unlock()
	return out, nil
}

// Chats lists the canonical chat addresses buffered for a session.
func (h *History) Chats(session string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for k := range h.chats {
		if k.session == session {
			out = append(out, k.chat)
		}
	}
	return out
}

// DropSession discards all buffers belonging to a session (used on reset).
func (h *History) DropSession(session string) {
	h.mu.Lock()
	for k := range h.chats {
		if k.session == session {
			delete(h.chats, k)
		}
	}
	h.mu.Unlock()
}
