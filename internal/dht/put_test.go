package dht_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstore-labs/dhtstore/internal/dht"
)

func TestSubmitPutStoresHeaderAndChunks(t *testing.T) {
	s, _ := newTestSession(t, nil)
	kp := mustKeyPair(t)

	rec, err := dht.NewDataRecord("profile", []byte("AABB"), 2, nil)
	require.NoError(t, err)
	require.NoError(t, s.SubmitPut(kp.Pub, kp.Priv, 0, rec))

	// header and both chunks share the submission sequence
	head, err := s.SubmitGetTimeout(kp.Pub, dht.HeaderSalt("profile"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.Seq)

	h, err := dht.DecodeHeaderHex(string(head.Value))
	require.NoError(t, err)
	assert.Equal(t, uint16(2), h.NChunks)

	for i, want := range [][]byte{[]byte("AA"), []byte("BB")} {
		res, err := s.SubmitGetTimeout(kp.Pub, dht.ChunkSalt("profile", i), time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, res.Value)
		assert.Equal(t, int64(1), res.Seq)
	}
}

func TestSubmitPutCooldown(t *testing.T) {
	s, _ := newTestSession(t, nil)
	kp := mustKeyPair(t)

	rec, err := dht.NewDataRecord("profile", []byte("v1"), 2, nil)
	require.NoError(t, err)
	require.NoError(t, s.SubmitPut(kp.Pub, kp.Priv, 0, rec))

	rec2, err := dht.NewDataRecord("profile", []byte("v2"), 2, nil)
	require.NoError(t, err)
	err = s.SubmitPut(kp.Pub, kp.Priv, 1, rec2)
	require.ErrorIs(t, err, dht.ErrLocked)
	assert.Contains(t, err.Error(), "wait")

	// a different operation code is a different logical record
	other, err := dht.NewDataRecord("avatar", []byte("img"), 2, nil)
	require.NoError(t, err)
	assert.NoError(t, s.SubmitPut(kp.Pub, kp.Priv, 0, other))

	// and so is the same operation under another owner key
	kp2 := mustKeyPair(t)
	again, err := dht.NewDataRecord("profile", []byte("v1"), 2, nil)
	require.NoError(t, err)
	assert.NoError(t, s.SubmitPut(kp2.Pub, kp2.Priv, 0, again))
}

func TestSubmitPutRejectsBadRecords(t *testing.T) {
	s, _ := newTestSession(t, nil)
	kp := mustKeyPair(t)

	assert.ErrorIs(t, s.SubmitPut(kp.Pub, kp.Priv, 0, nil), dht.ErrMalformedRecord)

	rec := dht.AssembleRecord("profile", dht.RecordHeader{Op: "profile", NChunks: 1}, nil, nil)
	require.True(t, rec.HasError())
	assert.ErrorIs(t, s.SubmitPut(kp.Pub, kp.Priv, 0, rec), dht.ErrMalformedRecord)
}

func TestSubmitPutAuditLog(t *testing.T) {
	s, _ := newTestSession(t, nil)
	kp := mustKeyPair(t)

	rec, err := dht.NewDataRecord("profile", []byte("AABB"), 2, nil)
	require.NoError(t, err)
	require.NoError(t, s.SubmitPut(kp.Pub, kp.Priv, 4, rec))

	subs := s.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "profile", subs[0].Op)
	assert.Equal(t, int64(5), subs[0].Seq)
	assert.Equal(t, 2, subs[0].NChunks)
	assert.NotEmpty(t, subs[0].ID)
}

func TestPutMutableItemAcknowledged(t *testing.T) {
	s, _ := newTestSession(t, nil)
	kp := mustKeyPair(t)

	seq, msg, err := s.PutMutableItem(kp.Pub, kp.Priv, "single:0", 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	assert.NotEmpty(t, msg)

	res, err := s.SubmitGetTimeout(kp.Pub, "single:0", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), res.Value)
}

func TestPutMutableItemStaleSequenceRejected(t *testing.T) {
	s, eng := newTestSession(t, nil)
	kp := mustKeyPair(t)
	putItemDirect(t, eng, kp, "single:0", 5, []byte("newer"))

	// lastSeq 2 signs sequence 3, which loses to the stored 5
	_, _, err := s.PutMutableItem(kp.Pub, kp.Priv, "single:0", 2, []byte("older"))
	require.ErrorIs(t, err, dht.ErrPutNotAcknowledged)

	res, err := s.SubmitGetTimeout(kp.Pub, "single:0", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), res.Value)
}
