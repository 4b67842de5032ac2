package dht

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// putLocks is the cooldown map for logical records: RecordKey to the
// time of the last accepted put. It has its own mutex; the lock is
// never held across a sleep or network wait.
type putLocks struct {
	mu       sync.Mutex
	last     map[RecordKey]time.Time
	accepted uint64
}

// remaining returns how much of the cooldown window is left for key,
// zero when the key is free.
func (l *putLocks) remaining(key RecordKey, now time.Time, window time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	lastPut, ok := l.last[key]
	if !ok {
		return 0
	}
	if left := window - now.Sub(lastPut); left > 0 {
		return left
	}
	return 0
}

// stamp records an accepted put and returns the running acceptance
// count, which drives the sweep cadence.
func (l *putLocks) stamp(key RecordKey, now time.Time) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last[key] = now
	l.accepted++
	return l.accepted
}

// sweep drops entries older than the cooldown window. Runs every Nth
// put rather than on every put, to bound map growth without hot-path
// cost.
func (l *putLocks) sweep(now time.Time, window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, lastPut := range l.last {
		if now.Sub(lastPut) > window {
			delete(l.last, key)
			removed++
		}
	}
	return removed
}

// SubmissionEntry is one line of the in-process audit log of accepted
// record puts.
type SubmissionEntry struct {
	ID      string
	Op      string
	Seq     int64
	NChunks int
	When    time.Time
}

type submissionLog struct {
	mu      sync.Mutex
	entries []SubmissionEntry
}

func (l *submissionLog) append(e SubmissionEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

func (l *submissionLog) snapshot() []SubmissionEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SubmissionEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Submissions returns a copy of the audit log of accepted puts.
func (s *Session) Submissions() []SubmissionEntry {
	return s.subLog.snapshot()
}

// SubmitPut stores a full record: one signed put for the header salt
// followed by one per chunk salt, all stamped with lastSeq+1 so a
// reader that sees the header's sequence may expect chunks of the same
// sequence to exist. The call returns once every item is issued; the
// batch acknowledgement is correlated separately by the caller.
//
// A put for a RecordKey inside the cooldown window of the previous one
// fails with ErrLocked carrying the remaining wait.
func (s *Session) SubmitPut(pub PublicKey, priv PrivateKey, lastSeq int64, record *DataRecord) error {
	if record == nil {
		return fmt.Errorf("%w: nil record", ErrMalformedRecord)
	}
	if record.HasError() {
		return fmt.Errorf("%w: %s", ErrMalformedRecord, record.ErrorMessage())
	}
	if err := s.ensureRunning(); err != nil {
		return err
	}

	now := s.clock.Now()
	key := RecordKey{Pub: pub, Op: record.OperationCode()}
	if wait := s.locks.remaining(key, now, s.cfg.CooldownWindow); wait > 0 {
		return fmt.Errorf("%w: wait %s before updating the same record", ErrLocked, wait.Round(time.Second))
	}
	count := s.locks.stamp(key, now)

	next := lastSeq + 1
	headerHex, err := record.Header.EncodeHex()
	if err != nil {
		return err
	}

	type putItem struct {
		salt  string
		value []byte
	}
	items := make([]putItem, 0, 1+len(record.Chunks))
	items = append(items, putItem{salt: HeaderSalt(record.Op), value: []byte(headerHex)})
	for _, ch := range record.Chunks {
		items = append(items, putItem{salt: ch.Salt, value: ch.Value})
	}

	eng := s.engineHandle()
	if eng == nil {
		return ErrEngineUnavailable
	}
	for _, it := range items {
		it := it
		sign := func() ([]byte, int64, Signature) {
			return it.value, next, SignItem(it.value, it.salt, next, pub, priv)
		}
		if err := eng.PutItem(pub, it.salt, sign); err != nil {
			return fmt.Errorf("dht: put %q: %w", it.salt, err)
		}
		s.log.WithField("salt", it.salt).WithField("seq", next).Debug("item put issued")
	}

	s.subLog.append(SubmissionEntry{
		ID:      uuid.NewString(),
		Op:      record.Op,
		Seq:     next,
		NChunks: len(record.Chunks),
		When:    now,
	})
	if count%lockSweepEvery == 0 {
		s.locks.sweep(now, s.cfg.CooldownWindow)
	}
	return nil
}

// PutMutableItem stores a single mutable item and waits for the
// overlay's acknowledgement. lastSeq is the currently stored sequence;
// the item is signed with lastSeq+1. The signed sequence and the
// engine's diagnostic message are returned; zero reported successes
// surface as ErrPutNotAcknowledged.
func (s *Session) PutMutableItem(pub PublicKey, priv PrivateKey, salt string, lastSeq int64, value []byte) (int64, string, error) {
	if err := s.ensureRunning(); err != nil {
		return 0, "", err
	}
	eng := s.engineHandle()
	c := s.correlator()
	if eng == nil || c == nil {
		return 0, "", ErrEngineUnavailable
	}

	next := lastSeq + 1
	c.RemovePutAck(pub.Hex())
	sign := func() ([]byte, int64, Signature) {
		return value, next, SignItem(value, salt, next, pub, priv)
	}
	if err := eng.PutItem(pub, salt, sign); err != nil {
		return 0, "", fmt.Errorf("dht: put %q: %w", salt, err)
	}

	ack, ok := c.AwaitPutAck(pub.Hex(), s.cfg.FetchTimeout)
	if !ok {
		return next, "", fmt.Errorf("%w: no put acknowledgement within %s", ErrTimeout, s.cfg.FetchTimeout)
	}
	if ack.NumSuccess == 0 {
		return next, ack.Message, fmt.Errorf("%w: %s", ErrPutNotAcknowledged, ack.Message)
	}
	s.log.WithField("salt", salt).WithField("seq", next).WithField("stores", ack.NumSuccess).Debug("item put acknowledged")
	return next, ack.Message, nil
}
