package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutLocksCooldown(t *testing.T) {
	l := putLocks{last: make(map[RecordKey]time.Time)}
	key := RecordKey{Op: "profile"}
	now := time.Unix(1000, 0)
	window := 60 * time.Second

	require.Zero(t, l.remaining(key, now, window))
	l.stamp(key, now)

	assert.Equal(t, 30*time.Second, l.remaining(key, now.Add(30*time.Second), window))
	assert.Zero(t, l.remaining(key, now.Add(61*time.Second), window))

	// a different operation code is a different logical record
	other := RecordKey{Op: "avatar"}
	assert.Zero(t, l.remaining(other, now, window))
}

func TestPutLocksSweep(t *testing.T) {
	l := putLocks{last: make(map[RecordKey]time.Time)}
	now := time.Unix(1000, 0)
	window := 60 * time.Second

	l.stamp(RecordKey{Op: "old"}, now)
	l.stamp(RecordKey{Op: "fresh"}, now.Add(50*time.Second))

	removed := l.sweep(now.Add(70*time.Second), window)
	assert.Equal(t, 1, removed)
	assert.Zero(t, l.remaining(RecordKey{Op: "old"}, now.Add(70*time.Second), window))
	assert.NotZero(t, l.remaining(RecordKey{Op: "fresh"}, now.Add(70*time.Second), window))
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, []byte("hello"), normalizeValue([]byte("'hello'")))
	assert.Equal(t, []byte("plain"), normalizeValue([]byte("plain")))
	// unmatched quotes are left alone
	assert.Equal(t, []byte("'open"), normalizeValue([]byte("'open")))
	assert.Equal(t, []byte("shut'"), normalizeValue([]byte("shut'")))
	assert.Equal(t, []byte("'"), normalizeValue([]byte("'")))
	assert.Equal(t, []byte(""), normalizeValue([]byte("''")))
}

func TestSigningBufferBindsAllInputs(t *testing.T) {
	base := signingBuffer([]byte("value"), "salt", 7)
	assert.NotEqual(t, base, signingBuffer([]byte("value2"), "salt", 7))
	assert.NotEqual(t, base, signingBuffer([]byte("value"), "salt2", 7))
	assert.NotEqual(t, base, signingBuffer([]byte("value"), "salt", 8))
	// salt/value boundary cannot be shifted
	assert.NotEqual(t, signingBuffer([]byte("bc"), "a", 1), signingBuffer([]byte("c"), "ab", 1))
}
