package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/logger"
)

// MemoryLedger is an Accounts store held in memory.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[int]*account
	byName   map[string]int
	nextID   int
	closed   bool
	logger   logger.Logger
}

var _ Accounts = (*MemoryLedger)(nil)

// NewMemoryLedger returns an empty in-memory store.
func NewMemoryLedger(l logger.Logger) *MemoryLedger {
	if l == nil {
		l = logger.GetLogger()
	}

	return &MemoryLedger{
		accounts: make(map[int]*account),
		byName:   make(map[string]int),
		nextID:   1,
		logger:   l,
	}
}

func (m *MemoryLedger) get(uid int) (*account, error) {
	if m.closed {
		return nil, ErrClosed
	}
	a, ok := m.accounts[uid]
	if !ok {
		return nil, unknownUser(uid)
	}

	return a, nil
}

func (m *MemoryLedger) GetBalance(_ context.Context, uid int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, err := m.get(uid)
	if err != nil {
		return 0, err
	}

	return a.Balance, nil
}

func (m *MemoryLedger) Transfer(_ context.Context, src, dst int, amount int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, err := m.get(src)
	if err != nil {
		return err
	}
	to, err := m.get(dst)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if err := applyTransfer(from, to, amount); err != nil {
		return err
	}
	m.logger.Info("transfer", "from", from.Name, "to", to.Name, "amount", amount, "reason", reason)

	return nil
}

func (m *MemoryLedger) GetUserID(_ context.Context, name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}
	uid, ok := m.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", dispense.ErrUnknownUser, name)
	}

	return uid, nil
}

func (m *MemoryLedger) GetFlags(_ context.Context, uid int) (dispense.Flags, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, err := m.get(uid)
	if err != nil {
		return 0, err
	}

	return a.Flags, nil
}

func (m *MemoryLedger) User(_ context.Context, uid int) (dispense.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, err := m.get(uid)
	if err != nil {
		return dispense.User{}, err
	}

	return a.user(), nil
}

func (m *MemoryLedger) UserName(_ context.Context, uid int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, err := m.get(uid)
	if err != nil {
		return "", err
	}

	return a.Name, nil
}

func (m *MemoryLedger) CreateUser(_ context.Context, name string, flags dispense.Flags) (int, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if _, ok := m.byName[name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrUserExists, name)
	}

	uid := m.nextID
	m.nextID++
	m.accounts[uid] = &account{ID: uid, Name: name, Flags: flags}
	m.byName[name] = uid
	m.logger.Info("account created", "name", name, "id", uid, "flags", flags.String())

	return uid, nil
}

func (m *MemoryLedger) SetBalance(_ context.Context, uid int, balance int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.get(uid)
	if err != nil {
		return err
	}
	m.logger.Info("balance set", "name", a.Name, "from", a.Balance, "to", balance, "reason", reason)
	a.Balance = balance

	return nil
}

func (m *MemoryLedger) SetFlags(_ context.Context, uid int, flags dispense.Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.get(uid)
	if err != nil {
		return err
	}
	a.Flags = flags

	return nil
}

func (m *MemoryLedger) Users(_ context.Context, filter Filter) ([]dispense.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	users := make([]dispense.User, 0, len(m.accounts))
	for _, a := range m.accounts {
		if filter.match(a.Balance) {
			users = append(users, a.user())
		}
	}
	sortUsers(users)

	return users, nil
}

func (m *MemoryLedger) PasswordHash(_ context.Context, uid int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, err := m.get(uid)
	if err != nil {
		return nil, err
	}
	if len(a.PasswordHash) == 0 {
		return nil, ErrNoPassword
	}

	return append([]byte(nil), a.PasswordHash...), nil
}

func (m *MemoryLedger) SetPassword(_ context.Context, uid int, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.get(uid)
	if err != nil {
		return err
	}
	a.PasswordHash = HashPassword(password)

	return nil
}

func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true

	return nil
}
