package statemanager

import (
	"binance-momentum-bot-go/internal/models"
	"binance-momentum-bot-go/internal/persistence"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrVersionConflict is returned by UpdateIfVersion when the state moved on.
var ErrVersionConflict = errors.New("state version changed")

// StateManager owns every symbol's BotState. Callers only ever see deep
// copies; mutations go through Update so the version bump and the persistence
// snapshot happen under the same lock.
type StateManager struct {
	mu     sync.RWMutex
	states map[string]*models.BotState

	repo            persistence.StateRepository
	persistenceChan chan *models.BotState
	stopChan        chan struct{}
	wg              sync.WaitGroup
	running         atomic.Bool
	logger          *zap.Logger
	now             func() time.Time
}

// NewStateManager creates a new StateManager. repo may be nil.
func NewStateManager(repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	return &StateManager{
		states:          make(map[string]*models.BotState),
		repo:            repo,
		persistenceChan: make(chan *models.BotState, 128), // Buffered channel for state snapshots to be persisted
		stopChan:        make(chan struct{}),
		logger:          logger,
		now:             time.Now,
	}
}

// Load replaces in-memory state with what the repository holds.
func (sm *StateManager) Load() error {
	if sm.repo == nil {
		return nil
	}
	states, err := sm.repo.LoadStates()
	if err != nil {
		return err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, s := range states {
		if s.Symbol == "" {
			continue
		}
		if s.Status == "" {
			s.Status = models.StatusIdle
		}
		sm.states[s.Symbol] = s
	}
	sm.logger.Info("Loaded bot states", zap.Int("count", len(states)))
	return nil
}

// Start begins the persistence loop.
func (sm *StateManager) Start() {
	if sm.running.Swap(true) {
		return
	}
	sm.wg.Add(1)
	go sm.persistenceLoop()
	sm.logger.Info("StateManager started.")
}

// Stop flushes pending snapshots and shuts the persistence loop down.
func (sm *StateManager) Stop() {
	if !sm.running.Swap(false) {
		return
	}
	close(sm.stopChan)
	sm.wg.Wait()
	sm.logger.Info("StateManager stopped.")
}

// Get returns a deep copy of a symbol's state.
func (sm *StateManager) Get(symbol string) (*models.BotState, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.states[symbol]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// List returns deep copies of all states sorted by symbol.
func (sm *StateManager) List() []*models.BotState {
	sm.mu.RLock()
	out := make([]*models.BotState, 0, len(sm.states))
	for _, s := range sm.states {
		out = append(out, s.Clone())
	}
	sm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols returns the managed symbols in order.
func (sm *StateManager) Symbols() []string {
	sm.mu.RLock()
	out := make([]string, 0, len(sm.states))
	for s := range sm.states {
		out = append(out, s)
	}
	sm.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Ensure creates an IDLE state for symbol if none exists and returns a copy.
func (sm *StateManager) Ensure(symbol string) *models.BotState {
	sm.mu.Lock()
	s, ok := sm.states[symbol]
	if !ok {
		s = models.NewBotState(symbol)
		sm.states[symbol] = s
	}
	snapshot := s.Clone()
	sm.mu.Unlock()

	if !ok {
		sm.persist(snapshot.Clone())
	}
	return snapshot
}

// Update applies fn to a working copy of the state. If fn returns an error the
// copy is discarded; otherwise it replaces the state with a bumped version.
func (sm *StateManager) Update(symbol string, fn func(*models.BotState) error) (*models.BotState, error) {
	return sm.update(symbol, -1, fn)
}

// UpdateIfVersion is Update guarded by an optimistic version check.
func (sm *StateManager) UpdateIfVersion(symbol string, version int64, fn func(*models.BotState) error) (*models.BotState, error) {
	return sm.update(symbol, version, fn)
}

func (sm *StateManager) update(symbol string, version int64, fn func(*models.BotState) error) (*models.BotState, error) {
	sm.mu.Lock()
	cur, ok := sm.states[symbol]
	if !ok {
		cur = models.NewBotState(symbol)
	}
	if version >= 0 && cur.Version != version {
		sm.mu.Unlock()
		return nil, ErrVersionConflict
	}

	work := cur.Clone()
	if err := fn(work); err != nil {
		sm.mu.Unlock()
		return nil, err
	}
	work.Symbol = symbol
	work.Version = cur.Version + 1
	work.UpdatedAt = sm.now()
	sm.states[symbol] = work

	out := work.Clone()
	sm.mu.Unlock()

	sm.persist(out.Clone())
	return out, nil
}

// Delete forgets a symbol in memory and storage.
func (sm *StateManager) Delete(symbol string) error {
	sm.mu.Lock()
	delete(sm.states, symbol)
	sm.mu.Unlock()

	if sm.repo == nil {
		return nil
	}
	return sm.repo.DeleteState(symbol)
}

func (sm *StateManager) persist(s *models.BotState) {
	if sm.repo == nil || !sm.running.Load() {
		return
	}
	select {
	case sm.persistenceChan <- s:
	case <-sm.stopChan:
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	saved := make(map[string]int64)

	save := func(s *models.BotState) {
		if v, ok := saved[s.Symbol]; ok && v >= s.Version {
			return
		}
		if err := sm.repo.SaveState(s); err != nil {
			sm.logger.Error("CRITICAL: Failed to save state", zap.String("symbol", s.Symbol), zap.Error(err))
			return
		}
		saved[s.Symbol] = s.Version
	}

	for {
		select {
		case s := <-sm.persistenceChan:
			save(s)
		case <-sm.stopChan:
			for {
				select {
				case s := <-sm.persistenceChan:
					save(s)
				default:
					return
				}
			}
		}
	}
}
