package factory

import (
	"net/http"
	"time"

	"github.com/mcoot/clanharvest/internal/config"
	"github.com/mcoot/clanharvest/internal/dependencies/mocks"
	"github.com/mcoot/clanharvest/internal/storage/memory"
	"github.com/mcoot/clanharvest/internal/testutil"
)

// TestApp extends App with test-specific helpers
type TestApp struct {
	*App

	// Mocks for test control
	MockClock     *mocks.MockClock
	MemoryStorage *memory.Storage
}

// TestConfig returns defaults tuned for tests: memory storage, no pacing
// delay and no propagation wait. Point Stats.BaseURL and Messages.BaseURL at
// fake upstreams before calling NewTestApp.
func TestConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Type = StorageTypeMemory
	cfg.Stats.GroupID = "1"
	cfg.Stats.MinDelay = 0
	cfg.Stats.MaxDelay = 0
	cfg.Messages.MinDelay = 0
	cfg.Harvest.GroupUpdateWait = 0
	return cfg
}

// NewTestApp creates an App configured for testing with mocked dependencies.
// Retry sleeps advance the mock clock instead of blocking.
func NewTestApp(cfg *config.Config) (*TestApp, error) {
	if cfg == nil {
		cfg = TestConfig()
	}
	store := memory.New()
	mockClock := mocks.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	app, err := newWithDependencies(cfg, store, mockClock, mockClock.Sleep, &http.Client{}, testutil.NopLogger())
	if err != nil {
		return nil, err
	}

	return &TestApp{
		App:           app,
		MockClock:     mockClock,
		MemoryStorage: store,
	}, nil
}
