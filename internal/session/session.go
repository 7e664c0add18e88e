// Package session holds the single in-memory record of the running game session:
// the active map, connected player count, idle timestamp and lifecycle phase.
package session

import (
	"sync"
	"time"
)

type Phase string

const (
	Stopped  Phase = "stopped"
	Starting Phase = "starting"
	Running  Phase = "running"
	Stopping Phase = "stopping"
)

// Snapshot is a point-in-time copy of the session. IdleSince is the zero time
// while players are connected or no idle period has started.
type Snapshot struct {
	Phase       Phase     `json:"phase"`
	ActiveMap   string    `json:"active_map"`
	PlayerCount int       `json:"player_count"`
	IdleSince   time.Time `json:"idle_since"`
}

func (s Snapshot) Idle() bool {
	return !s.IdleSince.IsZero()
}

type State struct {
	mu        sync.Mutex
	now       func() time.Time
	phase     Phase
	activeMap string
	players   int
	idleSince time.Time
}

func New() *State {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *State {
	return &State{now: now, phase: Stopped}
}

// Join records a player connecting.
func (s *State) Join() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players++
	s.idleSince = time.Time{}
}

// Leave records a player disconnecting. The count never goes below zero, so a
// replayed or out-of-order leave is harmless.
func (s *State) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.players > 0 {
		s.players--
	}
	if s.players == 0 && s.idleSince.IsZero() {
		s.idleSince = s.now()
	}
}

// Begin marks a session for mapName as starting.
func (s *State) Begin(mapName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = Starting
	s.activeMap = mapName
}

func (s *State) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

// ResetPresence zeroes the player count and clears the idle timestamp.
func (s *State) ResetPresence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players = 0
	s.idleSince = time.Time{}
}

// StartIdle starts the idle clock if no players are connected and it is not already running.
func (s *State) StartIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.players == 0 && s.idleSince.IsZero() {
		s.idleSince = s.now()
	}
}

// ClearIdleSince clears the idle timestamp only if it still equals since, so
// an idle period started by a later leave survives.
func (s *State) ClearIdleSince(since time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleSince.IsZero() || !s.idleSince.Equal(since) {
		return false
	}
	s.idleSince = time.Time{}
	return true
}

// Reset returns the session to empty and Stopped.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = Stopped
	s.activeMap = ""
	s.players = 0
	s.idleSince = time.Time{}
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Phase:       s.phase,
		ActiveMap:   s.activeMap,
		PlayerCount: s.players,
		IdleSince:   s.idleSince,
	}
}

// Now returns the session clock's current time.
func (s *State) Now() time.Time {
	return s.now()
}
