package bridge

import (
	"regexp"
	"strings"
	"sync"
)

var sessionIDPattern = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeSessionID reduces an externally supplied session id to the
// alphanumeric+dash/underscore charset used for map keys and credential
// directory names.
func SanitizeSessionID(id string) string {
	return sessionIDPattern.ReplaceAllString(strings.TrimSpace(id), "")
}

const (
	userServer  = "s.whatsapp.net"
	groupServer = "g.us"
	lidServer   = "lid"
)

// Canonicalizer resolves the different raw address forms the network layer
// reports (legacy c.us, device-suffixed, bare number, opaque lid) to one
// stable chat key so the same human conversation maps to a single history
// buffer and a single subscription key.
//
// The phone-style form wins when both are known; opaque lid addresses are
// re-pointed at the phone form through the learned alias map.
type Canonicalizer struct {
	mu    sync.RWMutex
	alias map[string]string // opaque form -> canonical form
}

func NewCanonicalizer() *Canonicalizer {
	return &Canonicalizer{alias: make(map[string]string)}
}

// Canonical normalizes a raw chat address.
func (c *Canonicalizer) Canonical(raw string) string {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return ""
	}

	user, server := splitJID(addr)

	// Drop the device/agent suffix ("1234:5@s.whatsapp.net").
	if i := strings.IndexAny(user, ":."); i >= 0 && server != groupServer {
		user = user[:i]
	}

	switch server {
	case "", "c.us":
		server = userServer
	case lidServer:
		c.mu.RLock()
		mapped, ok := c.alias[user+"@"+lidServer]
		c.mu.RUnlock()
		if ok {
			return mapped
		}
		return user + "@" + lidServer
	}

	return user + "@" + server
}

// Learn records that an opaque address and a phone-style address refer to the
// same chat. Subsequent lookups of the opaque form resolve to the canonical
// phone form.
func (c *Canonicalizer) Learn(opaque, phoneStyle string) {
	canon := c.Canonical(phoneStyle)
	if canon == "" || strings.HasSuffix(canon, "@"+lidServer) {
		return
	}
	user, server := splitJID(strings.TrimSpace(opaque))
	if server != lidServer || user == "" {
		return
	}
	c.mu.Lock()
	c.alias[user+"@"+lidServer] = canon
	c.mu.Unlock()
}

func splitJID(addr string) (user, server string) {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i], addr[i+1:]
	}
	return addr, ""
}
