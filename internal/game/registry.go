package game

import (
	"fmt"
	"sort"
	"sync"
)

// Options configures an adapter instance.
type Options struct {
	Home     string
	Settings Settings
	// MandatoryMods stay enabled whatever mod selection is requested.
	MandatoryMods []string
}

// Settings are the operator-facing server settings rendered into the game's
// settings document.
type Settings struct {
	Name             string
	Description      string
	Tags             []string
	MaxPlayers       int
	Public           bool
	Username         string
	Token            string
	GamePassword     string
	AutosaveInterval int // minutes
	AutosaveSlots    int
}

type Factory func(Options) Adapter

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

func Register(game string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[game] = f
}

// New builds the adapter registered under game.
func New(game string, opts Options) (Adapter, error) {
	mu.RLock()
	f, ok := factories[game]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown game %q (registered: %v)", game, Names())
	}
	return f(opts), nil
}

func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for k := range factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
