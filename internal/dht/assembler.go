package dht

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// LinkInfo identifies one peer whose record should be fetched: the
// owner key, the opaque seed bound onto the result, and the ownership
// annotation copied to the fetched record.
type LinkInfo struct {
	PubKey      PublicKey
	PrivateSeed []byte
	OwnerPath   string
}

// FetchRecord fetches and reassembles one record. The header is tried
// up to the configured number of attempts; chunk fetch never begins
// before a non-null header is resolved, and the first missing chunk
// aborts the whole fetch. A record that fails validation is reported
// as ErrNotFound, never returned partially.
func (s *Session) FetchRecord(pub PublicKey, privateSeed []byte, op string) (int64, *DataRecord, error) {
	var (
		header RecordHeader
		seq    int64
		found  bool
	)
	headerSalt := HeaderSalt(op)
	for attempt := 0; attempt < s.cfg.HeaderAttempts && !found; attempt++ {
		res, err := s.SubmitGetTimeout(pub, headerSalt, s.cfg.FetchTimeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			return 0, nil, err
		}
		h, err := DecodeHeaderHex(string(res.Value))
		if err != nil {
			return 0, nil, err
		}
		if h.IsNull() {
			continue
		}
		header, seq, found = h, res.Seq, true
	}
	if !found {
		return 0, nil, fmt.Errorf("%w: no header for %q", ErrNotFound, op)
	}
	// Reject oversized chunk counts before fetching: a corrupt header
	// must not drive thousands of bounded lookups.
	if int(header.NChunks) > TotalSlots {
		return 0, nil, fmt.Errorf("%w: header declares %d chunks, limit is %d", ErrMalformedRecord, header.NChunks, TotalSlots)
	}

	chunks := make([]DataChunk, 0, header.NChunks)
	for i := 0; i < int(header.NChunks); i++ {
		salt := ChunkSalt(op, i)
		res, err := s.SubmitGetTimeout(pub, salt, s.cfg.FetchTimeout)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: chunk %q: %v", ErrNotFound, salt, err)
		}
		chunks = append(chunks, DataChunk{
			Index: i,
			Total: int(header.NChunks),
			Salt:  salt,
			Value: res.Value,
		})
		seq = res.Seq
	}

	rec := AssembleRecord(op, header, chunks, privateSeed)
	if rec.HasError() {
		s.log.WithField("op", op).WithField("reason", rec.ErrorMessage()).Debug("fetched record did not validate")
		return 0, nil, fmt.Errorf("%w: record has errors: %s", ErrNotFound, rec.ErrorMessage())
	}
	return seq, rec, nil
}

// FetchAllSync fetches one record per peer, sequentially. Peers that
// fail are skipped; the batch is best effort. Returned records carry
// the caller-supplied ownership annotation.
func (s *Session) FetchAllSync(peers []LinkInfo, op string) []*DataRecord {
	records := make([]*DataRecord, 0, len(peers))
	for _, p := range peers {
		_, rec, err := s.FetchRecord(p.PubKey, p.PrivateSeed, op)
		if err != nil {
			s.log.WithError(err).WithField("owner", p.OwnerPath).Debug("skipping peer record")
			continue
		}
		rec.OwnerPath = p.OwnerPath
		records = append(records, rec)
	}
	return records
}

// FetchAllAsync fetches many peers' records in two pipelined phases
// instead of O(peers x chunks) sequential round trips: issue every
// header lookup without waiting, sleep one settle window and drain the
// correlation map; then issue every resolved header's chunk lookups,
// sleep a second settle window and drain again. A chunk still missing
// after the drain gets one bounded synchronous fallback fetch; if that
// also fails the peer's record is skipped whole and noted in the
// returned diagnostic error.
//
// The settle windows assume lookups converge within them regardless of
// peer count. Peers whose results arrive later are dropped from the
// batch; that is the accepted trade for O(1) coordination rounds, and
// the windows are configurable for operators who need more slack.
func (s *Session) FetchAllAsync(peers []LinkInfo, op string) ([]*DataRecord, error) {
	c := s.correlator()
	if c == nil {
		return nil, ErrEngineUnavailable
	}
	headerSalt := HeaderSalt(op)

	// Phase 1: fire all header lookups, spaced to avoid overload.
	for _, p := range peers {
		if err := s.SubmitGet(p.PubKey, headerSalt); err != nil {
			s.log.WithError(err).WithField("owner", p.OwnerPath).Debug("header lookup not issued")
		}
		s.sleep(s.cfg.HeaderIssueDelay)
	}
	s.sleep(s.cfg.HeaderSettle)

	type resolvedHeader struct {
		link   LinkInfo
		header RecordHeader
	}
	resolved := make([]resolvedHeader, 0, len(peers))
	for _, p := range peers {
		ev, ok := c.FindGet(InfoHash(p.PubKey.Hex(), headerSalt))
		if !ok {
			continue
		}
		h, err := DecodeHeaderHex(string(normalizeValue(ev.Value)))
		if err != nil || h.IsNull() || int(h.NChunks) > TotalSlots {
			continue
		}
		resolved = append(resolved, resolvedHeader{link: p, header: h})
	}

	// Phase 2: fire every resolved header's chunk lookups.
	for _, r := range resolved {
		for i := 0; i < int(r.header.NChunks); i++ {
			if err := s.SubmitGet(r.link.PubKey, ChunkSalt(op, i)); err != nil {
				s.log.WithError(err).WithField("owner", r.link.OwnerPath).Debug("chunk lookup not issued")
			}
			s.sleep(s.cfg.ChunkIssueDelay)
		}
	}
	if len(resolved) > 0 {
		s.sleep(s.cfg.ChunkSettle)
	}

	var (
		records []*DataRecord
		errs    error
	)
	for _, r := range resolved {
		chunks := make([]DataChunk, 0, r.header.NChunks)
		skipped := false
		for i := 0; i < int(r.header.NChunks); i++ {
			salt := ChunkSalt(op, i)
			var value []byte
			if ev, ok := c.FindGet(InfoHash(r.link.PubKey.Hex(), salt)); ok {
				value = normalizeValue(ev.Value)
			} else {
				res, err := s.SubmitGetTimeout(r.link.PubKey, salt, s.cfg.FetchTimeout)
				if err != nil {
					errs = multierr.Append(errs, fmt.Errorf("skipped %s record for %s: chunk %q: %w", op, r.link.OwnerPath, salt, err))
					skipped = true
					break
				}
				value = res.Value
			}
			chunks = append(chunks, DataChunk{
				Index: i,
				Total: int(r.header.NChunks),
				Salt:  salt,
				Value: value,
			})
		}
		if skipped {
			continue
		}
		rec := AssembleRecord(op, r.header, chunks, r.link.PrivateSeed)
		if rec.HasError() {
			errs = multierr.Append(errs, fmt.Errorf("%s record for %s has errors: %s", op, r.link.OwnerPath, rec.ErrorMessage()))
			continue
		}
		rec.OwnerPath = r.link.OwnerPath
		records = append(records, rec)
	}
	return records, errs
}
