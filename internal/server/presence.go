// Package server maps connection identities to nickname, current room, and
// online status for roster computation.
package server

import "sync"

// RosterEntry is one row of a room roster.
type RosterEntry struct {
	Nickname string `json:"nickname"`
	Online   bool   `json:"online"`
}

type presenceEntry struct {
	nickname string
	room     string
	online   bool
}

// PresenceTable owns the mapping from connection id to presence state.
// Entries are created on first join and flagged offline, not removed, on
// disconnect, so a roster query after a disconnect still reflects recent
// membership.
type PresenceTable struct {
	mu      sync.RWMutex
	entries map[string]*presenceEntry
	order   []string
}

// NewPresenceTable creates an empty presence table.
func NewPresenceTable() *PresenceTable {
	return &PresenceTable{
		entries: make(map[string]*presenceEntry),
	}
}

// SetJoined upserts the entry for the connection with the given nickname and
// room, marking it online.
func (p *PresenceTable) SetJoined(connID, nickname, room string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[connID]
	if !ok {
		entry = &presenceEntry{}
		p.entries[connID] = entry
		p.order = append(p.order, connID)
	}
	entry.nickname = nickname
	entry.room = room
	entry.online = true
}

// SetLeft clears the connection's room assignment so it no longer appears in
// any roster. Nickname and online status are kept.
func (p *PresenceTable) SetLeft(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[connID]; ok {
		entry.room = ""
	}
}

// SetOffline marks the connection offline without removing the entry or
// clearing its room.
func (p *PresenceTable) SetOffline(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[connID]; ok {
		entry.online = false
	}
}

// RoomOf returns the connection's current room. The second result is false
// when the connection has never joined, and the room is empty after a leave.
func (p *PresenceTable) RoomOf(connID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.entries[connID]
	if !ok {
		return "", false
	}
	return entry.room, true
}

// RosterOf returns one entry per connection currently assigned to the room,
// in table insertion order.
func (p *PresenceTable) RosterOf(room string) []RosterEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	roster := make([]RosterEntry, 0)
	for _, connID := range p.order {
		entry := p.entries[connID]
		if entry.room != room || room == "" {
			continue
		}
		roster = append(roster, RosterEntry{
			Nickname: entry.nickname,
			Online:   entry.online,
		})
	}
	return roster
}
