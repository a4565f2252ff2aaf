package statemanager

import (
	"binance-momentum-bot-go/internal/models"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockStateRepository is a mock implementation of the StateRepository interface for testing.
type mockStateRepository struct {
	sync.Mutex
	saved        map[string]*models.BotState
	saveCount    int
	loadStates   []*models.BotState
	loadError    error
	saveError    error
	deleted      []string
	saveDoneChan chan bool // Signals each completed SaveState
}

func newMockStateRepository() *mockStateRepository {
	return &mockStateRepository{
		saved:        make(map[string]*models.BotState),
		saveDoneChan: make(chan bool, 16),
	}
}

func (m *mockStateRepository) SaveState(state *models.BotState) error {
	m.Lock()
	defer m.Unlock()

	m.saveCount++
	m.saved[state.Symbol] = state.Clone()
	m.saveDoneChan <- true
	return m.saveError
}

func (m *mockStateRepository) LoadStates() ([]*models.BotState, error) {
	m.Lock()
	defer m.Unlock()
	return m.loadStates, m.loadError
}

func (m *mockStateRepository) DeleteState(symbol string) error {
	m.Lock()
	defer m.Unlock()
	m.deleted = append(m.deleted, symbol)
	return nil
}

func (m *mockStateRepository) Close() error {
	return nil
}

func (m *mockStateRepository) getSaved(symbol string) *models.BotState {
	m.Lock()
	defer m.Unlock()
	return m.saved[symbol]
}

func (m *mockStateRepository) saves() int {
	m.Lock()
	defer m.Unlock()
	return m.saveCount
}

func waitSave(t *testing.T, repo *mockStateRepository) {
	t.Helper()
	select {
	case <-repo.saveDoneChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state to be saved")
	}
}

func TestUpdate_BumpsVersionAndPersists(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	s, err := sm.Update("BTCUSDT", func(s *models.BotState) error {
		s.Status = models.StatusPaused
		s.PausedFrom = models.StatusIdle
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Version)

	waitSave(t, repo)
	saved := repo.getSaved("BTCUSDT")
	require.NotNil(t, saved)
	assert.Equal(t, models.StatusPaused, saved.Status)
	assert.Equal(t, int64(1), saved.Version)
}

func TestUpdate_ErrorDiscardsChanges(t *testing.T) {
	sm := NewStateManager(nil, zap.NewNop())
	sm.Ensure("BTCUSDT")

	boom := errors.New("boom")
	_, err := sm.Update("BTCUSDT", func(s *models.BotState) error {
		s.Status = models.StatusLong
		return boom
	})
	assert.ErrorIs(t, err, boom)

	s, ok := sm.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, models.StatusIdle, s.Status)
	assert.Equal(t, int64(0), s.Version)
}

func TestGet_ReturnsIndependentCopy(t *testing.T) {
	sm := NewStateManager(nil, zap.NewNop())
	_, err := sm.Update("BTCUSDT", func(s *models.BotState) error {
		s.OpenPosition(&models.Position{ID: "p1", Side: models.Long, Quantity: 1, EntryPrice: 100})
		return nil
	})
	require.NoError(t, err)

	a, _ := sm.Get("BTCUSDT")
	a.Position.Quantity = 42
	a.Status = models.StatusIdle

	b, _ := sm.Get("BTCUSDT")
	assert.Equal(t, 1.0, b.Position.Quantity)
	assert.Equal(t, models.StatusLong, b.Status)
}

func TestUpdateIfVersion_RejectsStaleVersion(t *testing.T) {
	sm := NewStateManager(nil, zap.NewNop())
	snap := sm.Ensure("BTCUSDT")

	_, err := sm.Update("BTCUSDT", func(s *models.BotState) error { return nil })
	require.NoError(t, err)

	_, err = sm.UpdateIfVersion("BTCUSDT", snap.Version, func(s *models.BotState) error {
		s.ClearPosition("reconcile")
		return nil
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = sm.UpdateIfVersion("BTCUSDT", snap.Version+1, func(s *models.BotState) error { return nil })
	assert.NoError(t, err)
}

func TestLoad_RestoresStates(t *testing.T) {
	repo := newMockStateRepository()
	stored := models.NewBotState("ETHUSDT")
	stored.Version = 9
	repo.loadStates = []*models.BotState{stored, {Symbol: "SOLUSDT"}}

	sm := NewStateManager(repo, zap.NewNop())
	require.NoError(t, sm.Load())

	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, sm.Symbols())
	s, ok := sm.Get("SOLUSDT")
	require.True(t, ok)
	assert.Equal(t, models.StatusIdle, s.Status, "missing status defaults to IDLE")

	s, err := sm.Update("ETHUSDT", func(*models.BotState) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, int64(10), s.Version)
}

// TestAsyncPersistence verifies that state persistence happens asynchronously
// and that Stop flushes what is queued.
func TestAsyncPersistence(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(repo, zap.NewNop())
	sm.Start()

	for i := 0; i < 5; i++ {
		_, err := sm.Update("BTCUSDT", func(s *models.BotState) error {
			s.LastError = "tick"
			return nil
		})
		require.NoError(t, err)
	}
	sm.Stop()

	saved := repo.getSaved("BTCUSDT")
	require.NotNil(t, saved)
	assert.Equal(t, int64(5), saved.Version, "the latest version is on disk after Stop")
	assert.LessOrEqual(t, repo.saves(), 5)
}

func TestDelete(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(repo, zap.NewNop())
	sm.Ensure("BTCUSDT")

	require.NoError(t, sm.Delete("BTCUSDT"))
	_, ok := sm.Get("BTCUSDT")
	assert.False(t, ok)
	assert.Equal(t, []string{"BTCUSDT"}, repo.deleted)
}

func TestConcurrentUpdates(t *testing.T) {
	sm := NewStateManager(nil, zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = sm.Update("BTCUSDT", func(s *models.BotState) error { return nil })
		}()
	}
	wg.Wait()

	s, _ := sm.Get("BTCUSDT")
	assert.Equal(t, int64(50), s.Version)
}
