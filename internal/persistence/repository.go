package persistence

import (
	"binance-momentum-bot-go/internal/models"
	"fmt"
)

// StateRepository persists per-symbol bot state.
// It abstracts the underlying storage mechanism (BadgerDB, JSON files)
// from the rest of the application.
type StateRepository interface {
	// SaveState atomically replaces the stored state of state.Symbol.
	SaveState(state *models.BotState) error

	// LoadStates returns every stored state. An empty store returns (nil, nil).
	LoadStates() ([]*models.BotState, error)

	// DeleteState removes a symbol. Deleting a missing symbol is not an error.
	DeleteState(symbol string) error

	// Close gracefully closes the connection to the database.
	Close() error
}

// Open returns the repository selected by cfg.Driver.
func Open(cfg models.PersistenceConfig) (StateRepository, error) {
	switch cfg.Driver {
	case "", "badger":
		return NewBadgerRepository(cfg.Path)
	case "file":
		return NewFileRepository(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: unknown persistence driver %q", models.ErrConfiguration, cfg.Driver)
	}
}
