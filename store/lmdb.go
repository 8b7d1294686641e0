package store

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// LMDBRegistry is an alternate Registry backend for deployments that prefer
// LMDB's read throughput for the shared metadata store.
type LMDBRegistry struct {
	env    *lmdb.Env
	dbi    lmdb.DBI
	mu     sync.RWMutex
	closed bool
}

// NewLMDBRegistry opens (creating if needed) the registry environment under
// dataDir/registry-lmdb.
func NewLMDBRegistry(dataDir string) (*LMDBRegistry, error) {
	dir := filepath.Join(dataDir, "registry-lmdb")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create LMDB environment: %w", err)
	}
	if err := env.SetMapSize(1 << 30); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to set map size: %w", err)
	}
	if err := env.SetMaxDBs(1); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to set max dbs: %w", err)
	}
	if err := env.Open(dir, 0, 0o755); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to open LMDB environment: %w", err)
	}

	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) error {
		var err error
		dbi, err = txn.OpenDBI("registry", lmdb.Create)
		return err
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	return &LMDBRegistry{env: env, dbi: dbi}, nil
}

func (r *LMDBRegistry) Get(key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrStoreClosed
	}

	var value []byte
	err := r.env.View(func(txn *lmdb.Txn) error {
		data, err := txn.Get(r.dbi, []byte(key))
		if lmdb.IsNotFound(err) {
			return ErrRegistryKeyNotFound
		}
		if err != nil {
			return err
		}
		// Copy: the slice is only valid during the transaction.
		value = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (r *LMDBRegistry) Put(key string, value []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}

	// LMDB write transactions must be locked to an OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return r.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(r.dbi, []byte(key), value, 0)
	})
}

func (r *LMDBRegistry) Delete(key string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err := r.env.Update(func(txn *lmdb.Txn) error {
		return txn.Del(r.dbi, []byte(key), nil)
	})
	if lmdb.IsNotFound(err) {
		return nil
	}
	return err
}

func (r *LMDBRegistry) List(prefix string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrStoreClosed
	}

	var keys []string
	err := r.env.View(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(r.dbi)
		if err != nil {
			return err
		}
		defer cur.Close()

		k, _, err := cur.Get([]byte(prefix), nil, lmdb.SetRange)
		for err == nil {
			if !strings.HasPrefix(string(k), prefix) {
				break
			}
			keys = append(keys, string(k))
			k, _, err = cur.Get(nil, nil, lmdb.Next)
		}
		if err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		return nil
	})
	return keys, err
}

func (r *LMDBRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.env.CloseDBI(r.dbi)
	return r.env.Close()
}
