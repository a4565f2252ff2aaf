package persistence

import (
	"binance-momentum-bot-go/internal/models"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(symbol string) *models.BotState {
	s := models.NewBotState(symbol)
	s.OpenPosition(&models.Position{
		ID:         "pos-" + symbol,
		Symbol:     symbol,
		Side:       models.Long,
		Quantity:   0.5,
		EntryPrice: 100,
		Leverage:   10,
		Margin:     5,
	})
	s.Protection.TrailingActive = true
	s.Protection.TrailingSteps = 2
	s.StopLossPrice = 95
	s.PendingLimitOrders = []models.PendingLimitOrder{{OrderID: "7", Price: 99, Quantity: 0.1}}
	s.Version = 3
	return s
}

func repositories(t *testing.T) map[string]StateRepository {
	t.Helper()
	badgerRepo, err := NewBadgerRepository(filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	fileRepo, err := NewFileRepository(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	t.Cleanup(func() {
		badgerRepo.Close()
		fileRepo.Close()
	})
	return map[string]StateRepository{"badger": badgerRepo, "file": fileRepo}
}

func TestRepositories_RoundTrip(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			states, err := repo.LoadStates()
			require.NoError(t, err)
			assert.Empty(t, states, "empty store")

			require.NoError(t, repo.SaveState(sampleState("BTCUSDT")))
			require.NoError(t, repo.SaveState(sampleState("ETHUSDT")))

			updated := sampleState("BTCUSDT")
			updated.Version = 4
			require.NoError(t, repo.SaveState(updated))

			states, err = repo.LoadStates()
			require.NoError(t, err)
			require.Len(t, states, 2)
			sort.Slice(states, func(i, j int) bool { return states[i].Symbol < states[j].Symbol })

			btc := states[0]
			assert.Equal(t, "BTCUSDT", btc.Symbol)
			assert.Equal(t, int64(4), btc.Version, "save replaces the previous value")
			assert.Equal(t, models.StatusLong, btc.Status)
			require.NotNil(t, btc.Position)
			assert.Equal(t, "pos-BTCUSDT", btc.Protection.PositionID)
			assert.Equal(t, 2, btc.Protection.TrailingSteps)
			require.Len(t, btc.PendingLimitOrders, 1)

			require.NoError(t, repo.DeleteState("BTCUSDT"))
			require.NoError(t, repo.DeleteState("BTCUSDT"), "deleting twice is fine")

			states, err = repo.LoadStates()
			require.NoError(t, err)
			require.Len(t, states, 1)
			assert.Equal(t, "ETHUSDT", states[0].Symbol)
		})
	}
}

func TestRepositories_RejectMissingSymbol(t *testing.T) {
	for name, repo := range repositories(t) {
		assert.Error(t, repo.SaveState(&models.BotState{}), name)
	}
}

func TestFileRepository_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepository(dir)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.SaveState(sampleState("BTCUSDT")))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "BTCUSDT.json", entries[0].Name())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(models.PersistenceConfig{Driver: "redis", Path: t.TempDir()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}
