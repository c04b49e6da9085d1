// Package conversations tracks multi-turn auto-reply conversations.
//
// A conversation is keyed by tenant and peer:
//
//	{tenantId}:{peerId}
//
// Examples:
//
//	acme:6281234567890@s.whatsapp.net
//	acme:120363025246125486@g.us
//
// State lives in memory only and is owned by Store; nothing else mutates it.
package conversations

import "strings"

// Key identifies one conversation.
type Key struct {
	TenantID string
	PeerID   string
}

// String renders the canonical "{tenant}:{peer}" form used in logs and locks.
func (k Key) String() string {
	return k.TenantID + ":" + k.PeerID
}

// ParseKey splits a canonical key. Peer IDs may themselves contain ':'
// so only the first separator is significant.
func ParseKey(s string) (Key, bool) {
	tenant, peer, ok := strings.Cut(s, ":")
	if !ok || tenant == "" || peer == "" {
		return Key{}, false
	}
	return Key{TenantID: tenant, PeerID: peer}, true
}
