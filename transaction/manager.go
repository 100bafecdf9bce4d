package transaction

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrorNoTransaction = errors.New("cache: no transaction in scope")

// Tx is a transaction scope opened by the Manager.
type Tx interface {
	Commit() error
	Rollback() error
	Active() bool
}

// Manager demarcates transactions around individual cache operations. It is
// only present when the cache is configured transactional.
type Manager interface {
	Begin() (Tx, error)
}

func NewManager() Manager {
	return &manager{}
}

type manager struct{}

func (*manager) Begin() (Tx, error) {
	return &tx{active: true}, nil
}

type tx struct {
	mu     sync.Mutex
	active bool
}

func (t *tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return ErrorNoTransaction
	}
	t.active = false
	return nil
}

func (t *tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return ErrorNoTransaction
	}
	t.active = false
	return nil
}

func (t *tx) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
