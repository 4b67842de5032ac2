package dht_test

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/dstore-labs/dhtstore/internal/dht"
	"github.com/dstore-labs/dhtstore/internal/enginemem"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestSession starts a session over a fresh in-memory engine with
// timings compressed for tests, and waits until it is running.
func newTestSession(t *testing.T, mutate func(*dht.Config)) (*dht.Session, *enginemem.Engine) {
	t.Helper()

	var eng *enginemem.Engine
	cfg := dht.Config{
		DataDir:  t.TempDir(),
		Settings: dht.DefaultSettings(),
		NewEngine: func(s dht.Settings) (dht.Engine, error) {
			eng = enginemem.New(s)
			return eng, nil
		},
		Log:              quietLogger(),
		ReadinessPoll:    5 * time.Millisecond,
		FetchTimeout:     250 * time.Millisecond,
		HeaderSettle:     50 * time.Millisecond,
		ChunkSettle:      50 * time.Millisecond,
		HeaderIssueDelay: time.Millisecond,
		ChunkIssueDelay:  time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s := dht.NewSession(cfg)
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return s.State() == dht.StateRunning },
		2*time.Second, 10*time.Millisecond, "session never reached running")
	t.Cleanup(s.Stop)
	return s, eng
}

func mustKeyPair(t *testing.T) dht.KeyPair {
	t.Helper()
	kp, err := dht.MakeNewKeyPair()
	require.NoError(t, err)
	return kp
}

// putItemDirect stores one signed item straight into the engine,
// bypassing the put coordinator.
func putItemDirect(t *testing.T, eng *enginemem.Engine, kp dht.KeyPair, salt string, seq int64, value []byte) {
	t.Helper()
	err := eng.PutItem(kp.Pub, salt, func() ([]byte, int64, dht.Signature) {
		return value, seq, dht.SignItem(value, salt, seq, kp.Pub, kp.Priv)
	})
	require.NoError(t, err)
}
