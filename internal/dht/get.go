package dht

import (
	"fmt"
	"time"
)

// GetResult is the outcome of a bounded blocking lookup.
type GetResult struct {
	Value         []byte
	Seq           int64
	Authoritative bool
}

// SubmitGet fires an asynchronous lookup after ensuring engine
// liveness. It does not wait for a result; if one arrives it lands in
// the correlation map.
func (s *Session) SubmitGet(pub PublicKey, salt string) error {
	if err := s.ensureRunning(); err != nil {
		return err
	}
	eng := s.engineHandle()
	if eng == nil {
		return ErrEngineUnavailable
	}
	if err := eng.LookupItem(pub, salt); err != nil {
		return fmt.Errorf("dht: lookup %q: %w", salt, err)
	}
	s.log.WithField("pubkey", pub.Hex()).WithField("salt", salt).Debug("lookup issued")
	return nil
}

// SubmitGetTimeout clears any stale correlation entry for the item,
// fires a lookup and blocks until a result is published or the
// deadline expires. The returned value is normalized to the canonical
// raw-byte encoding.
func (s *Session) SubmitGetTimeout(pub PublicKey, salt string, timeout time.Duration) (GetResult, error) {
	c := s.correlator()
	if c == nil {
		return GetResult{}, ErrEngineUnavailable
	}
	key := InfoHash(pub.Hex(), salt)
	c.RemoveGet(key)
	if err := s.SubmitGet(pub, salt); err != nil {
		return GetResult{}, err
	}
	ev, ok := c.AwaitGet(key, timeout)
	if !ok {
		return GetResult{}, fmt.Errorf("%w: no result for salt %q within %s", ErrTimeout, salt, timeout)
	}
	return GetResult{
		Value:         normalizeValue(ev.Value),
		Seq:           ev.Seq,
		Authoritative: ev.Authoritative,
	}, nil
}

// GetAuthoritative re-issues a blocking lookup, discarding results the
// overlay has not yet converged on, until an authoritative one arrives
// or the overall deadline expires. Used for read-before-write, where a
// non-final sequence number could regress the record.
func (s *Session) GetAuthoritative(pub PublicKey, salt string, timeout time.Duration) (GetResult, error) {
	deadline := s.clock.Now().Add(timeout)
	for {
		remain := deadline.Sub(s.clock.Now())
		if remain <= 0 {
			return GetResult{}, fmt.Errorf("%w: no authoritative result for salt %q within %s", ErrTimeout, salt, timeout)
		}
		res, err := s.SubmitGetTimeout(pub, salt, remain)
		if err != nil {
			return GetResult{}, err
		}
		if res.Authoritative {
			return res, nil
		}
		s.log.WithField("salt", salt).Debug("discarding non-authoritative result")
	}
}

// normalizeValue strips one matched pair of single quotes wrapping the
// payload. The canonical value encoding is raw bytes; values written by
// the legacy encoder arrive quoted and are unwrapped here for
// compatibility.
func normalizeValue(v []byte) []byte {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	return v
}
