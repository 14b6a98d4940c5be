package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	gosync "sync"
)

var (
	ErrAlreadyRunning = errors.New("sync already running")
	ErrNotRunning     = errors.New("no sync running")
	ErrUnknownAccount = errors.New("unknown account")
)

type runHandle struct {
	cancel context.CancelFunc
}

// Manager runs one sync loop per registered account
type Manager struct {
	runner   *Runner
	logger   *slog.Logger
	accounts map[string]Account
	idle     map[string]bool
	runners  map[string]*runHandle
	mu       gosync.RWMutex
	wg       gosync.WaitGroup
}

// NewManager creates a manager that drives accounts through runner.
func NewManager(runner *Runner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner:   runner,
		logger:   logger,
		accounts: make(map[string]Account),
		idle:     make(map[string]bool),
		runners:  make(map[string]*runHandle),
	}
}

// Register adds or replaces an account. A running loop keeps its old copy
// until restarted.
func (m *Manager) Register(account Account) error {
	if account.ID == "" {
		return fmt.Errorf("account id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account.ID] = account
	delete(m.idle, account.ID)
	return nil
}

// RegisterIdle adds an account that StartAll leaves alone, such as a relay
// mailbox with no inbound source. StartSync still starts it on request.
func (m *Manager) RegisterIdle(account Account) error {
	if err := m.Register(account); err != nil {
		return err
	}
	m.mu.Lock()
	m.idle[account.ID] = true
	m.mu.Unlock()
	return nil
}

// Account returns a registered account.
func (m *Manager) Account(id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return acc, nil
}

// Accounts returns registered accounts sorted by id.
func (m *Manager) Accounts() []Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Runner exposes the runner for one-off operations.
func (m *Manager) Runner() *Runner { return m.runner }

// StartSync starts the background loop for a registered account
func (m *Manager) StartSync(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if _, exists := m.runners[accountID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, accountID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := &runHandle{cancel: cancel}
	m.runners[accountID] = handle
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		logger := m.logger.With("account_id", accountID, "provider", account.ProviderType)
		logger.Info("sync start")
		if err := m.runner.Run(runCtx, account); err != nil {
			logger.Error("sync stopped on error", "error", err)
		}

		m.mu.Lock()
		if m.runners[accountID] == handle {
			delete(m.runners, accountID)
		}
		m.mu.Unlock()
		cancel()
		logger.Info("sync stop")
	}()

	return nil
}

// StartAll starts every registered account that is not running yet.
func (m *Manager) StartAll(ctx context.Context) {
	for _, acc := range m.Accounts() {
		m.mu.RLock()
		idle := m.idle[acc.ID]
		m.mu.RUnlock()
		if idle {
			m.logger.Info("not starting idle account", "account_id", acc.ID)
			continue
		}
		if err := m.StartSync(ctx, acc.ID); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			m.logger.Error("failed to start sync", "account_id", acc.ID, "error", err)
		}
	}
}

// StopSync stops the loop for an account
func (m *Manager) StopSync(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle, exists := m.runners[accountID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotRunning, accountID)
	}
	handle.cancel()
	delete(m.runners, accountID)
	return nil
}

// IsRunning checks if a loop is running for an account
func (m *Manager) IsRunning(accountID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.runners[accountID]
	return exists
}

// StopAll cancels every loop and waits for them to exit
func (m *Manager) StopAll() {
	m.mu.Lock()
	for id, handle := range m.runners {
		m.logger.Info("stopping sync", "account_id", id)
		handle.cancel()
	}
	m.runners = make(map[string]*runHandle)
	m.mu.Unlock()

	m.wg.Wait()
}

// GetRunningSyncs returns ids of accounts with a running loop
func (m *Manager) GetRunningSyncs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
