package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/logger"
)

// Key namespace:
//
//	"a:<uid>"    account (JSON), uid as 8 byte big endian
//	"n:<name>"   uid of the account called name (decimal)
//	"j:<nanos><seq>"  journal entry of a balance change (JSON)
//	"cfg:next"   next uid (decimal)
const (
	prefixAccount = "a:"
	prefixName    = "n:"
	prefixJournal = "j:"
	keyNextID     = "cfg:next"

	maxTxnRetries = 5
)

func keyAccount(uid int) []byte {
	key := make([]byte, len(prefixAccount)+8)
	copy(key, prefixAccount)
	binary.BigEndian.PutUint64(key[len(prefixAccount):], uint64(uid))

	return key
}

func keyName(name string) []byte {
	return []byte(prefixName + name)
}

func keyJournal(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d%010d", prefixJournal, t.UnixNano(), seq%1e10))
}

// JournalEntry records one balance change.
type JournalEntry struct {
	Time   time.Time `json:"time"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to"`
	Amount int       `json:"amount"`
	Reason string    `json:"reason"`
}

// BadgerLedger is an Accounts store persisted in Badger.
type BadgerLedger struct {
	db      *badgerdb.DB
	writeMu sync.Mutex // serialises read-write transactions
	seq     atomic.Uint64
	logger  logger.Logger
}

var _ Accounts = (*BadgerLedger)(nil)

// BadgerOption is a functional option for OpenBadger.
type BadgerOption interface {
	apply(*badgerConfig)
}

type badgerConfig struct {
	inMemory   bool
	syncWrites bool
	logger     logger.Logger
}

type badgerOptFunc func(*badgerConfig)

func (f badgerOptFunc) apply(c *badgerConfig) { f(c) }

// WithInMemory keeps the database in memory; the path is ignored.
func WithInMemory() BadgerOption {
	return badgerOptFunc(func(c *badgerConfig) { c.inMemory = true })
}

// WithSyncWrites syncs every write to disk before a transaction commits.
func WithSyncWrites(enable bool) BadgerOption {
	return badgerOptFunc(func(c *badgerConfig) { c.syncWrites = enable })
}

// WithBadgerLogger sets the logger of the store and of the database engine.
func WithBadgerLogger(l logger.Logger) BadgerOption {
	return badgerOptFunc(func(c *badgerConfig) {
		if l != nil {
			c.logger = l
		}
	})
}

// OpenBadger opens or creates the store in directory path.
func OpenBadger(path string, opts ...BadgerOption) (*BadgerLedger, error) {
	cfg := badgerConfig{syncWrites: true, logger: logger.GetLogger()}
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	dbOpts := badgerdb.DefaultOptions(path).
		WithSyncWrites(cfg.syncWrites).
		WithLogger(&badgerLogger{l: cfg.logger.With("component", "badger")})
	if cfg.inMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	} else if path == "" {
		return nil, errors.New("ledger: database path must not be empty")
	}

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	return &BadgerLedger{db: db, logger: cfg.logger}, nil
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (b *BadgerLedger) update(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	var err error
	for i := 0; i < maxTxnRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = b.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return mapDBError(err)
		}
	}

	return mapDBError(err)
}

func (b *BadgerLedger) view(fn func(txn *badgerdb.Txn) error) error {
	return mapDBError(b.db.View(fn))
}

func mapDBError(err error) error {
	if errors.Is(err, badgerdb.ErrDBClosed) {
		return ErrClosed
	}

	return err
}

func loadAccount(txn *badgerdb.Txn, uid int) (*account, error) {
	item, err := txn.Get(keyAccount(uid))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, unknownUser(uid)
	}
	if err != nil {
		return nil, err
	}

	var a account
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &a)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: decode account %d: %w", uid, err)
	}

	return &a, nil
}

func storeAccount(txn *badgerdb.Txn, a *account) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("ledger: encode account %d: %w", a.ID, err)
	}

	return txn.Set(keyAccount(a.ID), data)
}

func (b *BadgerLedger) appendJournal(txn *badgerdb.Txn, e JournalEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return txn.Set(keyJournal(e.Time, b.seq.Add(1)), data)
}

func (b *BadgerLedger) GetBalance(_ context.Context, uid int) (int, error) {
	var balance int
	err := b.view(func(txn *badgerdb.Txn) error {
		a, err := loadAccount(txn, uid)
		if err != nil {
			return err
		}
		balance = a.Balance

		return nil
	})

	return balance, err
}

func (b *BadgerLedger) Transfer(ctx context.Context, src, dst int, amount int, reason string) error {
	var from, to *account
	err := b.update(ctx, func(txn *badgerdb.Txn) error {
		var err error
		if from, err = loadAccount(txn, src); err != nil {
			return err
		}
		if to, err = loadAccount(txn, dst); err != nil {
			return err
		}
		if src == dst {
			return nil
		}
		if err := applyTransfer(from, to, amount); err != nil {
			return err
		}
		if err := storeAccount(txn, from); err != nil {
			return err
		}
		if err := storeAccount(txn, to); err != nil {
			return err
		}

		return b.appendJournal(txn, JournalEntry{Time: time.Now(), From: from.Name, To: to.Name, Amount: amount, Reason: reason})
	})
	if err != nil {
		return err
	}
	if src != dst {
		b.logger.Info("transfer", "from", from.Name, "to", to.Name, "amount", amount, "reason", reason)
	}

	return nil
}

func (b *BadgerLedger) GetUserID(_ context.Context, name string) (int, error) {
	var uid int
	err := b.view(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyName(name))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", dispense.ErrUnknownUser, name)
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			uid, err = strconv.Atoi(string(val))
			return err
		})
	})

	return uid, err
}

func (b *BadgerLedger) GetFlags(ctx context.Context, uid int) (dispense.Flags, error) {
	u, err := b.User(ctx, uid)
	return u.Flags, err
}

func (b *BadgerLedger) User(_ context.Context, uid int) (dispense.User, error) {
	var u dispense.User
	err := b.view(func(txn *badgerdb.Txn) error {
		a, err := loadAccount(txn, uid)
		if err != nil {
			return err
		}
		u = a.user()

		return nil
	})

	return u, err
}

func (b *BadgerLedger) UserName(ctx context.Context, uid int) (string, error) {
	u, err := b.User(ctx, uid)
	return u.Name, err
}

func (b *BadgerLedger) CreateUser(ctx context.Context, name string, flags dispense.Flags) (int, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}

	var uid int
	err := b.update(ctx, func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(keyName(name)); err == nil {
			return fmt.Errorf("%w: %s", ErrUserExists, name)
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}

		uid = 1
		item, err := txn.Get([]byte(keyNextID))
		switch {
		case err == nil:
			err = item.Value(func(val []byte) error {
				uid, err = strconv.Atoi(string(val))
				return err
			})
			if err != nil {
				return fmt.Errorf("ledger: decode next id: %w", err)
			}
		case !errors.Is(err, badgerdb.ErrKeyNotFound):
			return err
		}

		if err := txn.Set([]byte(keyNextID), []byte(strconv.Itoa(uid+1))); err != nil {
			return err
		}
		if err := txn.Set(keyName(name), []byte(strconv.Itoa(uid))); err != nil {
			return err
		}

		return storeAccount(txn, &account{ID: uid, Name: name, Flags: flags})
	})
	if err != nil {
		return 0, err
	}
	b.logger.Info("account created", "name", name, "id", uid, "flags", flags.String())

	return uid, nil
}

func (b *BadgerLedger) modify(ctx context.Context, uid int, fn func(a *account, txn *badgerdb.Txn) error) error {
	return b.update(ctx, func(txn *badgerdb.Txn) error {
		a, err := loadAccount(txn, uid)
		if err != nil {
			return err
		}
		if err := fn(a, txn); err != nil {
			return err
		}

		return storeAccount(txn, a)
	})
}

func (b *BadgerLedger) SetBalance(ctx context.Context, uid int, balance int, reason string) error {
	return b.modify(ctx, uid, func(a *account, txn *badgerdb.Txn) error {
		b.logger.Info("balance set", "name", a.Name, "from", a.Balance, "to", balance, "reason", reason)
		entry := JournalEntry{Time: time.Now(), To: a.Name, Amount: balance - a.Balance, Reason: reason}
		a.Balance = balance

		return b.appendJournal(txn, entry)
	})
}

func (b *BadgerLedger) SetFlags(ctx context.Context, uid int, flags dispense.Flags) error {
	return b.modify(ctx, uid, func(a *account, _ *badgerdb.Txn) error {
		a.Flags = flags
		return nil
	})
}

func (b *BadgerLedger) Users(_ context.Context, filter Filter) ([]dispense.User, error) {
	var users []dispense.User
	err := b.view(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAccount)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var a account
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			})
			if err != nil {
				return fmt.Errorf("ledger: decode account: %w", err)
			}
			if filter.match(a.Balance) {
				users = append(users, a.user())
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	sortUsers(users)

	return users, nil
}

func (b *BadgerLedger) PasswordHash(ctx context.Context, uid int) ([]byte, error) {
	var hash []byte
	err := b.view(func(txn *badgerdb.Txn) error {
		a, err := loadAccount(txn, uid)
		if err != nil {
			return err
		}
		hash = a.PasswordHash

		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(hash) == 0 {
		return nil, ErrNoPassword
	}

	return hash, nil
}

func (b *BadgerLedger) SetPassword(ctx context.Context, uid int, password string) error {
	return b.modify(ctx, uid, func(a *account, _ *badgerdb.Txn) error {
		a.PasswordHash = HashPassword(password)
		return nil
	})
}

// Journal returns up to limit of the most recent balance changes, oldest
// first. A limit of zero returns all entries.
func (b *BadgerLedger) Journal(_ context.Context, limit int) ([]JournalEntry, error) {
	var entries []JournalEntry
	err := b.view(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixJournal)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(prefixJournal), 0xff)
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix); it.Next() {
			var e JournalEntry
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return fmt.Errorf("ledger: decode journal: %w", err)
			}
			entries = append(entries, e)
			if limit > 0 && len(entries) == limit {
				break
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}

func (b *BadgerLedger) Close() error {
	if b.db.IsClosed() {
		return nil
	}

	return b.db.Close()
}

// badgerLogger routes Badger's own log output to a logger.Logger.
type badgerLogger struct {
	l logger.Logger
}

func (b *badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(trimLog(format, args))
}

func (b *badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(trimLog(format, args))
}

func (b *badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(trimLog(format, args))
}

func (b *badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(trimLog(format, args))
}

func trimLog(format string, args []any) string {
	msg := fmt.Sprintf(format, args...)
	for len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}

	return msg
}
