// Package store implements the Secure Store: a fixed amount of key/value slots backed by
// secure buffers, plus a handful of sealed slots for the secure world's own key material.
//
// Every slot is zeroized before it changes owner, and sealed material is only reachable
// through Use, never through Retrieve.
package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wallera-computer/tzapp/log"
	"github.com/wallera-computer/tzapp/tee/mem"
	"github.com/wallera-computer/tzapp/tee/tzerr"
)

const (
	// DefaultMaxRecords is the amount of slots a Store gets when none is configured.
	DefaultMaxRecords = 16

	// MaxKeyIDLen is the maximum length of a key id, in bytes.
	MaxKeyIDLen = 64
)

// SealedID identifies an internal key slot.
type SealedID uint8

const (
	SealedAttestationKey SealedID = iota
	SealedComputeKey

	sealedCount
)

func (id SealedID) String() string {
	switch id {
	case SealedAttestationKey:
		return "attestation key"
	case SealedComputeKey:
		return "compute key"
	default:
		return "unknown"
	}
}

type slot struct {
	keyID   string
	present bool
	buf     mem.SecureBuffer
}

func (s *slot) wipe() error {
	s.keyID = ""
	s.present = false

	return s.buf.Wipe()
}

// Store holds KeyRecords. Its zero value is unusable, use New.
type Store struct {
	mu          sync.Mutex
	slots       []slot
	sealed      [sealedCount]slot
	initialized bool

	l *zap.SugaredLogger
}

// New returns a Store with maxRecords slots. The Store must be Reset before use.
func New(maxRecords int, l *zap.Logger) (*Store, error) {
	if maxRecords <= 0 {
		return nil, tzerr.New("new store", tzerr.InvalidArgument)
	}

	return &Store{
		slots: make([]slot, maxRecords),
		l:     log.OrNop(l).Named("store").Sugar(),
	}, nil
}

// Reset zeroizes every slot, sealed ones included, and marks the store as initialized.
// Whatever was stored before is gone.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		if err := s.slots[i].wipe(); err != nil {
			s.l.Errorw("zeroization failed", "slot", i)
			return tzerr.New("reset", tzerr.InternalFault)
		}
	}

	for i := range s.sealed {
		if err := s.sealed[i].wipe(); err != nil {
			s.l.Errorw("zeroization failed", "sealed", SealedID(i).String())
			return tzerr.New("reset", tzerr.InternalFault)
		}
	}

	s.initialized = true
	s.l.Debugw("store reset", "slots", len(s.slots))

	return nil
}

func validKeyID(keyID string) bool {
	return keyID != "" && len(keyID) <= MaxKeyIDLen
}

// find returns the slot holding keyID, or nil.
func (s *Store) find(keyID string) *slot {
	for i := range s.slots {
		if s.slots[i].present && s.slots[i].keyID == keyID {
			return &s.slots[i]
		}
	}

	return nil
}

func (s *Store) free() *slot {
	for i := range s.slots {
		if !s.slots[i].present {
			return &s.slots[i]
		}
	}

	return nil
}

// Store copies payload under keyID. An existing record is zeroized before being overwritten.
func (s *Store) Store(keyID string, payload []byte) error {
	const op = "store"

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return tzerr.New(op, tzerr.NotInitialized)
	}

	if !validKeyID(keyID) {
		return tzerr.New(op, tzerr.InvalidArgument)
	}

	if len(payload) > mem.Capacity {
		return tzerr.New(op, tzerr.BufferTooLarge)
	}

	sl := s.find(keyID)
	if sl == nil {
		sl = s.free()
	}

	if sl == nil {
		return tzerr.New(op, tzerr.ResourceExhausted)
	}

	if err := sl.wipe(); err != nil {
		s.l.Errorw("zeroization failed", "op", op)
		return tzerr.New(op, tzerr.InternalFault)
	}

	if err := sl.buf.Load(payload); err != nil || !sl.buf.Clean() {
		s.l.Errorw("stale residue in slot", "op", op)
		return tzerr.New(op, tzerr.InternalFault)
	}

	sl.keyID = keyID
	sl.present = true

	s.l.Debugw("record stored", "size", len(payload))

	return nil
}

// Retrieve returns a copy of the payload stored under keyID.
// outputCapacity is the size of the caller's buffer: a larger payload is refused.
func (s *Store) Retrieve(keyID string, outputCapacity int) ([]byte, error) {
	const op = "retrieve"

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, tzerr.New(op, tzerr.NotInitialized)
	}

	if !validKeyID(keyID) || outputCapacity < 0 {
		return nil, tzerr.New(op, tzerr.InvalidArgument)
	}

	sl := s.find(keyID)
	if sl == nil {
		return nil, tzerr.New(op, tzerr.NotFound)
	}

	if outputCapacity < sl.buf.Len() {
		return nil, tzerr.New(op, tzerr.BufferTooLarge)
	}

	return sl.buf.Bytes(), nil
}

// Erase zeroizes and removes the record stored under keyID. Erasing an absent key is not
// an error.
func (s *Store) Erase(keyID string) error {
	const op = "erase"

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return tzerr.New(op, tzerr.NotInitialized)
	}

	if !validKeyID(keyID) {
		return tzerr.New(op, tzerr.InvalidArgument)
	}

	sl := s.find(keyID)
	if sl == nil {
		return nil
	}

	if err := sl.wipe(); err != nil {
		s.l.Errorw("zeroization failed", "op", op)
		return tzerr.New(op, tzerr.InternalFault)
	}

	s.l.Debug("record erased")

	return nil
}

// Len returns the amount of records currently stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.slots {
		if s.slots[i].present {
			n++
		}
	}

	return n
}

// Install copies material into the sealed slot id, zeroizing what was there.
func (s *Store) Install(id SealedID, material []byte) error {
	const op = "install"

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return tzerr.New(op, tzerr.NotInitialized)
	}

	if id >= sealedCount || len(material) == 0 {
		return tzerr.New(op, tzerr.InvalidArgument)
	}

	if len(material) > mem.Capacity {
		return tzerr.New(op, tzerr.BufferTooLarge)
	}

	sl := &s.sealed[id]
	if err := sl.wipe(); err != nil {
		s.l.Errorw("zeroization failed", "op", op, "sealed", id.String())
		return tzerr.New(op, tzerr.InternalFault)
	}

	if err := sl.buf.Load(material); err != nil {
		return tzerr.New(op, tzerr.InternalFault)
	}

	sl.present = true
	s.l.Debugw("sealed material installed", "sealed", id.String())

	return nil
}

// Revoke zeroizes the sealed slot id and marks it empty.
func (s *Store) Revoke(id SealedID) error {
	const op = "revoke"

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return tzerr.New(op, tzerr.NotInitialized)
	}

	if id >= sealedCount {
		return tzerr.New(op, tzerr.InvalidArgument)
	}

	if err := s.sealed[id].wipe(); err != nil {
		s.l.Errorw("zeroization failed", "op", op, "sealed", id.String())
		return tzerr.New(op, tzerr.InternalFault)
	}

	s.l.Debugw("sealed material revoked", "sealed", id.String())

	return nil
}

// Sealed reports whether the sealed slot id holds material.
func (s *Store) Sealed(id SealedID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.initialized && id < sealedCount && s.sealed[id].present
}

// Use runs fn with a transient copy of the sealed material id. The copy is zeroized as soon
// as fn returns, fn must not retain it nor call back into s.
func (s *Store) Use(id SealedID, fn func(material []byte) error) error {
	const op = "use"

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return tzerr.New(op, tzerr.NotInitialized)
	}

	if id >= sealedCount {
		return tzerr.New(op, tzerr.InvalidArgument)
	}

	sl := &s.sealed[id]
	if !sl.present {
		return tzerr.New(op, tzerr.KeyUnavailable)
	}

	material := sl.buf.Bytes()
	defer mem.Zero(material)

	return fn(material)
}
