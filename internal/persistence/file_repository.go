package persistence

import (
	"binance-momentum-bot-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fileRepository keeps one JSON document per symbol in a directory.
// Writes go to a temp file that is renamed over the target, so a crash
// never leaves a half-written state behind.
type fileRepository struct {
	dir string
}

// NewFileRepository creates dir if needed.
func NewFileRepository(dir string) (StateRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileRepository{dir: dir}, nil
}

func (r *fileRepository) path(symbol string) string {
	return filepath.Join(r.dir, symbol+".json")
}

func (r *fileRepository) SaveState(state *models.BotState) error {
	if state == nil || state.Symbol == "" {
		return errors.New("refusing to save state without a symbol")
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(r.dir, state.Symbol+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.path(state.Symbol))
}

func (r *fileRepository) LoadStates() ([]*models.BotState, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}

	var states []*models.BotState
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var state models.BotState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Name(), err)
		}
		states = append(states, &state)
	}
	return states, nil
}

func (r *fileRepository) DeleteState(symbol string) error {
	err := os.Remove(r.path(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (r *fileRepository) Close() error { return nil }
