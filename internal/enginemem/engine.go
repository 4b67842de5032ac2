// Package enginemem provides a loopback Engine for development and
// tests: a process-local item table with the overlay's
// higher-sequence-wins conflict rule, signature verification and alert
// emission. It stands in for a real overlay binding.
package enginemem

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dstore-labs/dhtstore/internal/dht"
)

type storedItem struct {
	PubKey string `json:"pubkey"`
	Salt   string `json:"salt"`
	Value  []byte `json:"value"`
	Seq    int64  `json:"seq"`
	Sig    string `json:"sig"`
}

// Engine is the in-memory engine. Lookup results and put
// acknowledgements are delivered on the alert stream like a real
// overlay session, optionally after an artificial delay.
type Engine struct {
	mu            sync.Mutex
	items         map[string]storedItem
	alerts        chan dht.Alert
	running       bool
	aborted       bool
	settings      dht.Settings
	lookupDelay   time.Duration
	authoritative bool
}

// New builds a started engine. The bootstrap-completion alert is
// queued immediately; the loopback table has nothing to discover.
func New(s dht.Settings) *Engine {
	e := &Engine{
		items:         make(map[string]storedItem),
		alerts:        make(chan dht.Alert, 256),
		running:       s.EnableDHT,
		settings:      s,
		authoritative: true,
	}
	e.emit(dht.Alert{Type: dht.AlertBootstrapDone, Message: "bootstrap complete", When: time.Now()})
	return e
}

// Factory adapts New to dht.EngineFactory.
func Factory(s dht.Settings) (dht.Engine, error) {
	return New(s), nil
}

// SetRunning overrides the running flag, for liveness-recovery tests.
func (e *Engine) SetRunning(v bool) {
	e.mu.Lock()
	e.running = v
	e.mu.Unlock()
}

// SetLookupDelay delays lookup result delivery, simulating network
// round-trip latency.
func (e *Engine) SetLookupDelay(d time.Duration) {
	e.mu.Lock()
	e.lookupDelay = d
	e.mu.Unlock()
}

// SetAuthoritative controls whether lookup results are flagged as
// converged.
func (e *Engine) SetAuthoritative(v bool) {
	e.mu.Lock()
	e.authoritative = v
	e.mu.Unlock()
}

// IsRunning implements dht.Engine.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// LookupItem implements dht.Engine. A miss emits only a diagnostic
// alert, mirroring an overlay that never resolves the lookup.
func (e *Engine) LookupItem(pub dht.PublicKey, salt string) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errors.New("enginemem: not running")
	}
	it, ok := e.items[dht.InfoHash(pub.Hex(), salt)]
	delay := e.lookupDelay
	auth := e.authoritative
	e.mu.Unlock()

	if !ok {
		e.emit(dht.Alert{
			Type:    dht.AlertError,
			Message: fmt.Sprintf("no item for pubkey %s salt %q", pub.Hex(), salt),
			When:    time.Now(),
		})
		return nil
	}
	a := dht.Alert{
		Type:          dht.AlertGetItem,
		PubKey:        pub.Hex(),
		Salt:          salt,
		Value:         it.Value,
		Seq:           it.Seq,
		Authoritative: auth,
		When:          time.Now(),
	}
	if delay > 0 {
		time.AfterFunc(delay, func() { e.emit(a) })
		return nil
	}
	e.emit(a)
	return nil
}

// PutItem implements dht.Engine: verify the signature, apply the
// higher-sequence-wins rule, acknowledge with the store count.
func (e *Engine) PutItem(pub dht.PublicKey, salt string, sign dht.ItemSigner) error {
	value, seq, sig := sign()
	ack := dht.Alert{
		Type:   dht.AlertPutAck,
		PubKey: pub.Hex(),
		Salt:   salt,
		Seq:    seq,
		When:   time.Now(),
	}
	if !dht.VerifyItem(value, salt, seq, pub, sig) {
		ack.Message = "signature verification failed"
		e.emit(ack)
		return nil
	}

	key := dht.InfoHash(pub.Hex(), salt)
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errors.New("enginemem: not running")
	}
	if cur, ok := e.items[key]; ok && cur.Seq >= seq {
		e.mu.Unlock()
		ack.Message = fmt.Sprintf("stale sequence %d, stored item has %d", seq, cur.Seq)
		e.emit(ack)
		return nil
	}
	e.items[key] = storedItem{
		PubKey: pub.Hex(),
		Salt:   salt,
		Value:  value,
		Seq:    seq,
		Sig:    hex.EncodeToString(sig[:]),
	}
	e.mu.Unlock()

	ack.NumSuccess = 1
	ack.Message = "put confirmed"
	e.emit(ack)
	return nil
}

// ApplySettings implements dht.Engine. Disabling the DHT feature stops
// the engine.
func (e *Engine) ApplySettings(s dht.Settings) {
	e.mu.Lock()
	e.settings = s
	if !s.EnableDHT {
		e.running = false
	}
	e.mu.Unlock()
}

// Abort implements dht.Engine: stop and close the alert stream.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.aborted {
		return
	}
	e.aborted = true
	e.running = false
	close(e.alerts)
}

// SaveState implements dht.Engine: the state blob is the JSON item
// table.
func (e *Engine) SaveState() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return json.Marshal(e.items)
}

// LoadState implements dht.Engine. The table is swapped only once the
// blob parses, so a bad blob never partially mutates state. A
// successful load also marks the engine running, which is what the
// session's liveness recovery relies on.
func (e *Engine) LoadState(blob []byte) error {
	loaded := make(map[string]storedItem)
	if err := json.Unmarshal(blob, &loaded); err != nil {
		return fmt.Errorf("enginemem: bad state blob: %w", err)
	}
	e.mu.Lock()
	e.items = loaded
	e.running = true
	e.mu.Unlock()
	return nil
}

// Alerts implements dht.Engine.
func (e *Engine) Alerts() <-chan dht.Alert {
	return e.alerts
}

func (e *Engine) emit(a dht.Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.aborted {
		return
	}
	select {
	case e.alerts <- a:
	default:
		// stream full, drop like a muted alert mask would
	}
}
