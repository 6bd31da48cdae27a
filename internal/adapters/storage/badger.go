package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

var _ ports.StateStore = (*BadgerStore)(nil)

// NewBadgerStore opens a badger database under dataDir, or an in-memory one
// when dataDir is empty. A positive gcInterval runs value log GC periodically.
func NewBadgerStore(dataDir string, gcInterval time.Duration, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "state-store", "backend", "badger")

	opts := badger.DefaultOptions(dataDir)
	if dataDir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, domain.NewSystemError("state-store", "mkdir", err)
	}
	opts.Logger = &badgerLogger{logger: logger}
	opts.MemTableSize = 16 << 20
	opts.NumMemtables = 2
	opts.BlockCacheSize = 8 << 20
	opts.IndexCacheSize = 8 << 20
	opts.ValueLogFileSize = 16 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.NewSystemError("state-store", "open", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: logger,
		done:   make(chan struct{}),
	}

	if gcInterval > 0 && dataDir != "" {
		s.wg.Add(1)
		go s.runGC(gcInterval)
	}

	return s, nil
}

func (s *BadgerStore) Save(ctx context.Context, executionID string, execCtx *domain.ExecutionContext) error {
	if err := validateID(executionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeContext(execCtx)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(domain.ExecutionKey(executionID)), data)
	})
	if err != nil {
		return domain.NewSystemError("state-store", "save", err)
	}
	return nil
}

func (s *BadgerStore) Load(ctx context.Context, executionID string) (*domain.ExecutionContext, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(domain.ExecutionKey(executionID)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", executionID, domain.ErrExecutionNotFound)
	}
	if err != nil {
		return nil, domain.NewSystemError("state-store", "load", err)
	}
	return decodeContext(data)
}

func (s *BadgerStore) Delete(ctx context.Context, executionID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(domain.ExecutionKey(executionID)))
	})
	if err != nil {
		return domain.NewSystemError("state-store", "delete", err)
	}
	return nil
}

func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(domain.ExecutionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if id, ok := domain.ExecutionIDFromKey(string(it.Item().Key())); ok {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewSystemError("state-store", "list", err)
	}
	return ids, nil
}

func (s *BadgerStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *BadgerStore) runGC(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Debug("value log gc stopped", "error", err)
					}
					break
				}
			}
		}
	}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Infof(format string, args ...interface{}) {}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {}
