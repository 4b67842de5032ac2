package dht_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstore-labs/dhtstore/internal/dht"
	"github.com/dstore-labs/dhtstore/internal/enginemem"
)

// putHeaderOnly stores a record header without any of the chunks it
// promises.
func putHeaderOnly(t *testing.T, eng *enginemem.Engine, kp dht.KeyPair, h dht.RecordHeader, seq int64) {
	t.Helper()
	enc, err := h.EncodeHex()
	require.NoError(t, err)
	putItemDirect(t, eng, kp, dht.HeaderSalt(h.Op), seq, []byte(enc))
}

func TestFetchRecordRoundTrip(t *testing.T) {
	s, _ := newTestSession(t, nil)
	kp := mustKeyPair(t)

	rec, err := dht.NewDataRecord("profile", []byte("AABB"), 2, nil)
	require.NoError(t, err)
	require.NoError(t, s.SubmitPut(kp.Pub, kp.Priv, 0, rec))

	seq, got, err := s.FetchRecord(kp.Pub, []byte("seed"), "profile")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	assert.Equal(t, []byte("AABB"), got.Value())
	assert.Equal(t, []byte("seed"), got.PrivateSeed)
	require.Len(t, got.Chunks, 2)
	assert.Equal(t, []byte("AA"), got.Chunks[0].Value)
	assert.Equal(t, []byte("BB"), got.Chunks[1].Value)
}

func TestFetchRecordNoHeader(t *testing.T) {
	s, _ := newTestSession(t, func(c *dht.Config) {
		c.FetchTimeout = 100 * time.Millisecond
	})
	kp := mustKeyPair(t)

	_, _, err := s.FetchRecord(kp.Pub, nil, "profile")
	assert.ErrorIs(t, err, dht.ErrNotFound)
}

func TestFetchRecordMissingChunk(t *testing.T) {
	s, eng := newTestSession(t, func(c *dht.Config) {
		c.FetchTimeout = 100 * time.Millisecond
	})
	kp := mustKeyPair(t)
	putHeaderOnly(t, eng, kp, dht.RecordHeader{
		Version: 1, Op: "profile", NChunks: 1, TotalSize: 2, Checksum: dht.Checksum([]byte("AA")),
	}, 1)

	_, _, err := s.FetchRecord(kp.Pub, nil, "profile")
	assert.ErrorIs(t, err, dht.ErrNotFound)
}

func TestFetchRecordRejectsOversizedHeader(t *testing.T) {
	s, eng := newTestSession(t, nil)
	kp := mustKeyPair(t)
	putHeaderOnly(t, eng, kp, dht.RecordHeader{
		Version: 1, Op: "profile", NChunks: 65535, TotalSize: 2, Checksum: dht.Checksum([]byte("AA")),
	}, 1)

	start := time.Now()
	_, _, err := s.FetchRecord(kp.Pub, nil, "profile")
	assert.ErrorIs(t, err, dht.ErrMalformedRecord)
	// rejected up front, not after tens of thousands of bounded fetches
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchRecordChecksumMismatch(t *testing.T) {
	s, eng := newTestSession(t, nil)
	kp := mustKeyPair(t)
	putHeaderOnly(t, eng, kp, dht.RecordHeader{
		Version: 1, Op: "profile", NChunks: 1, TotalSize: 2, Checksum: dht.Checksum([]byte("XX")),
	}, 1)
	putItemDirect(t, eng, kp, dht.ChunkSalt("profile", 0), 1, []byte("AA"))

	_, _, err := s.FetchRecord(kp.Pub, nil, "profile")
	assert.ErrorIs(t, err, dht.ErrNotFound)
}

func TestFetchRecordSingleItem(t *testing.T) {
	s, eng := newTestSession(t, nil)
	kp := mustKeyPair(t)
	putHeaderOnly(t, eng, kp, dht.RecordHeader{
		Version: 1, Op: "presence", Checksum: dht.Checksum(nil),
	}, 2)

	seq, rec, err := s.FetchRecord(kp.Pub, nil, "presence")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
	assert.Empty(t, rec.Value())
}

func TestFetchAllSyncSkipsFailingPeers(t *testing.T) {
	s, _ := newTestSession(t, func(c *dht.Config) {
		c.FetchTimeout = 100 * time.Millisecond
	})
	good := mustKeyPair(t)
	missing := mustKeyPair(t)

	rec, err := dht.NewDataRecord("profile", []byte("hello"), 3, nil)
	require.NoError(t, err)
	require.NoError(t, s.SubmitPut(good.Pub, good.Priv, 0, rec))

	records := s.FetchAllSync([]dht.LinkInfo{
		{PubKey: good.Pub, OwnerPath: "alice@ring"},
		{PubKey: missing.Pub, OwnerPath: "bob@ring"},
	}, "profile")

	require.Len(t, records, 1)
	assert.Equal(t, []byte("hello"), records[0].Value())
	assert.Equal(t, "alice@ring", records[0].OwnerPath)
}

func TestFetchAllAsync(t *testing.T) {
	s, _ := newTestSession(t, nil)
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	recA, err := dht.NewDataRecord("profile", []byte("AABB"), 2, nil)
	require.NoError(t, err)
	require.NoError(t, s.SubmitPut(alice.Pub, alice.Priv, 0, recA))

	recB, err := dht.NewDataRecord("profile", []byte("CCDDEE"), 2, nil)
	require.NoError(t, err)
	require.NoError(t, s.SubmitPut(bob.Pub, bob.Priv, 0, recB))

	records, errs := s.FetchAllAsync([]dht.LinkInfo{
		{PubKey: alice.Pub, OwnerPath: "alice@ring"},
		{PubKey: bob.Pub, OwnerPath: "bob@ring"},
	}, "profile")
	require.NoError(t, errs)
	require.Len(t, records, 2)

	byOwner := map[string][]byte{}
	for _, r := range records {
		byOwner[r.OwnerPath] = r.Value()
	}
	assert.Equal(t, []byte("AABB"), byOwner["alice@ring"])
	assert.Equal(t, []byte("CCDDEE"), byOwner["bob@ring"])
}

func TestFetchAllAsyncFallbackFetchesSlowChunks(t *testing.T) {
	s, eng := newTestSession(t, func(c *dht.Config) {
		c.HeaderSettle = 200 * time.Millisecond
		c.ChunkSettle = 5 * time.Millisecond
	})
	kp := mustKeyPair(t)

	rec, err := dht.NewDataRecord("profile", []byte("AABB"), 2, nil)
	require.NoError(t, err)
	require.NoError(t, s.SubmitPut(kp.Pub, kp.Priv, 0, rec))

	// chunk results now arrive after the settle window, forcing the
	// per-chunk synchronous fallback
	eng.SetLookupDelay(80 * time.Millisecond)

	records, errs := s.FetchAllAsync([]dht.LinkInfo{
		{PubKey: kp.Pub, OwnerPath: "alice@ring"},
	}, "profile")
	require.NoError(t, errs)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("AABB"), records[0].Value())
}

func TestFetchAllAsyncSkipsBrokenPeers(t *testing.T) {
	s, eng := newTestSession(t, func(c *dht.Config) {
		c.FetchTimeout = 100 * time.Millisecond
	})
	good := mustKeyPair(t)
	broken := mustKeyPair(t)

	rec, err := dht.NewDataRecord("profile", []byte("fine"), 4, nil)
	require.NoError(t, err)
	require.NoError(t, s.SubmitPut(good.Pub, good.Priv, 0, rec))

	// broken peer advertises a chunk it never stored
	putHeaderOnly(t, eng, broken, dht.RecordHeader{
		Version: 1, Op: "profile", NChunks: 1, TotalSize: 2, Checksum: dht.Checksum([]byte("AA")),
	}, 1)

	records, errs := s.FetchAllAsync([]dht.LinkInfo{
		{PubKey: good.Pub, OwnerPath: "alice@ring"},
		{PubKey: broken.Pub, OwnerPath: "mallory@ring"},
	}, "profile")

	require.Len(t, records, 1)
	assert.Equal(t, "alice@ring", records[0].OwnerPath)
	require.Error(t, errs)
	assert.Contains(t, errs.Error(), "mallory@ring")
}

func TestFetchAllAsyncReportsInvalidRecords(t *testing.T) {
	s, eng := newTestSession(t, nil)
	kp := mustKeyPair(t)

	putHeaderOnly(t, eng, kp, dht.RecordHeader{
		Version: 1, Op: "profile", NChunks: 1, TotalSize: 2, Checksum: dht.Checksum([]byte("XX")),
	}, 1)
	putItemDirect(t, eng, kp, dht.ChunkSalt("profile", 0), 1, []byte("AA"))

	records, errs := s.FetchAllAsync([]dht.LinkInfo{
		{PubKey: kp.Pub, OwnerPath: "alice@ring"},
	}, "profile")
	assert.Empty(t, records)
	require.Error(t, errs)
	assert.Contains(t, errs.Error(), "alice@ring")
}
