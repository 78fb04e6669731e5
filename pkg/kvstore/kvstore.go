// Package kvstore is the small shared store that cooperating jobs use for
// advisory ("soft") locks on hardware resources and for the one-instance-per
// -job-name guard. Locks are advisory only: code that does not consult the
// store can still mutate the hardware.
package kvstore

import (
	"errors"
	"os"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

var (
	ErrLocked            = errors.New("kvstore: resource is locked by another owner")
	ErrDuplicateInstance = errors.New("kvstore: job is already active")
)

// Owner identifies who holds a lock or an active-job mark. The PID allows
// stale entries from dead processes to be detected and reclaimed.
type Owner struct {
	PID   int
	Token string
}

func NewOwner() Owner {
	return Owner{PID: os.Getpid(), Token: uuid.NewString()}
}

// Store is a mutex-guarded key-value registry shared by every job in the
// process. The zero value is not usable; use New.
type Store struct {
	mu     sync.Mutex
	locks  map[string]Owner
	active map[string]Owner

	// alive reports whether the given PID still exists; replaceable in tests.
	alive func(pid int) bool
}

func New() *Store {
	return &Store{
		locks:  make(map[string]Owner),
		active: make(map[string]Owner),
		alive:  pidAlive,
	}
}

func pidAlive(pid int) bool {
	// Signal 0 performs error checking only. EPERM still means the process
	// exists.
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Lock acquires the advisory lock on key. Re-acquiring a lock already held
// by the same owner succeeds. A lock whose owner process has died is treated
// as stale and taken over.
func (s *Store) Lock(key string, o Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.locks[key]; ok {
		if held == o {
			return nil
		}
		if held.PID != o.PID && s.alive(held.PID) {
			return ErrLocked
		}
		if held.PID == o.PID && held.Token != o.Token {
			return ErrLocked
		}
	}
	s.locks[key] = o
	return nil
}

// Unlock releases key if o holds it. Releasing an unheld lock is a no-op.
func (s *Store) Unlock(key string, o Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[key]; ok && held == o {
		delete(s.locks, key)
	}
}

func (s *Store) IsLocked(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[key]
	if !ok {
		return false
	}
	if !s.alive(held.PID) {
		delete(s.locks, key)
		return false
	}
	return true
}

// IsLockedByOther reports whether key is locked by an owner other than o.
func (s *Store) IsLockedByOther(key string, o Owner) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[key]
	if !ok || held == o {
		return false
	}
	if !s.alive(held.PID) {
		delete(s.locks, key)
		return false
	}
	return true
}

// SetActive marks a job name as running. Fails with ErrDuplicateInstance if
// another live owner already holds the mark.
func (s *Store) SetActive(name string, o Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.active[name]; ok && held != o {
		if s.alive(held.PID) {
			return ErrDuplicateInstance
		}
	}
	s.active[name] = o
	return nil
}

// IsActive reports whether a live owner holds the active mark for name.
func (s *Store) IsActive(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.active[name]
	if !ok {
		return false
	}
	if !s.alive(held.PID) {
		delete(s.active, name)
		return false
	}
	return true
}

func (s *Store) ClearActive(name string, o Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.active[name]; ok && held == o {
		delete(s.active, name)
	}
}

// defaultStore is the process-wide registry used when jobs do not supply
// their own (tests usually do).
var defaultStore = New()

func Default() *Store { return defaultStore }
