package collaboration

import (
	"log"
	"sync"
)

// SessionStore maps document ids to the participants bound to them. It lives
// only in memory and starts empty on every process start.
type SessionStore struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Participant // documentID -> participantID -> participant
	closed bool
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		rooms: make(map[string]map[string]Participant),
	}
}

// Add puts p in the room. It returns false if p was already a member or the
// store is closed.
func (s *SessionStore) Add(documentID string, p Participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	room := s.rooms[documentID]
	if room == nil {
		room = make(map[string]Participant)
		s.rooms[documentID] = room
	}
	if _, ok := room[p.ID()]; ok {
		return false
	}
	room[p.ID()] = p

	log.Printf("  Session %s joined document %s (total: %d users)", p.ID(), documentID, len(room))
	return true
}

// Remove takes p out of the room. Removing an absent member is not an error.
func (s *SessionStore) Remove(documentID string, p Participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[documentID]
	if !ok {
		return false
	}
	if _, ok := room[p.ID()]; !ok {
		return false
	}
	delete(room, p.ID())
	if len(room) == 0 {
		delete(s.rooms, documentID)
	}

	log.Printf("  Session %s left document %s (remaining: %d users)", p.ID(), documentID, len(room))
	return true
}

// Members returns a copy of the room, safe to iterate without the lock.
func (s *SessionStore) Members(documentID string) []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room := s.rooms[documentID]
	members := make([]Participant, 0, len(room))
	for _, p := range room {
		members = append(members, p)
	}
	return members
}

func (s *SessionStore) isMember(documentID string, p Participant) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.rooms[documentID][p.ID()]
	return ok
}

// Rooms returns the number of non-empty rooms.
func (s *SessionStore) Rooms() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Participants returns the total number of memberships.
func (s *SessionStore) Participants() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, room := range s.rooms {
		n += len(room)
	}
	return n
}

// Close disconnects every member and rejects further joins.
func (s *SessionStore) Close() {
	log.Println("🛑 Closing session store...")

	s.mu.Lock()
	s.closed = true
	rooms := s.rooms
	s.rooms = make(map[string]map[string]Participant)
	s.mu.Unlock()

	closed := 0
	for _, room := range rooms {
		for _, p := range room {
			p.Close()
			closed++
		}
	}

	log.Printf("✓ Session store closed (%d connections)", closed)
}
