package dht

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// MutableGetEvent is the ephemeral correlation record for one resolved
// lookup. It persists until overwritten by the next lookup on the same
// item, or until a caller clears it before issuing a fresh blocking
// lookup.
type MutableGetEvent struct {
	PubKey        string
	Salt          string
	Value         []byte
	Seq           int64
	Authoritative bool
	When          time.Time
}

// PutAckEvent carries the engine's best-effort put acknowledgement for
// one submission batch, keyed by the owner key.
type PutAckEvent struct {
	PubKey     string
	Salt       string
	NumSuccess int
	Message    string
	When       time.Time
}

// Correlator consumes the engine's alert stream on its own goroutine
// and publishes the latest get result per item into a map keyed by
// infohash. Waiters are signaled through per-key channels; no lock is
// ever held across a wait.
type Correlator struct {
	clk clock.Clock
	log *logrus.Entry

	mu         sync.Mutex
	gets       map[string]MutableGetEvent
	getWaiters map[string][]chan MutableGetEvent
	putAcks    map[string]PutAckEvent
	putWaiters map[string][]chan PutAckEvent
	booted     bool

	bootstrapped chan struct{}
	stop         chan struct{}
	done         chan struct{}
	started      bool
	stopOnce     sync.Once
}

// NewCorrelator builds an idle correlator; Start attaches it to an
// alert stream.
func NewCorrelator(clk clock.Clock, log *logrus.Entry) *Correlator {
	return &Correlator{
		clk:          clk,
		log:          log,
		gets:         make(map[string]MutableGetEvent),
		getWaiters:   make(map[string][]chan MutableGetEvent),
		putAcks:      make(map[string]PutAckEvent),
		putWaiters:   make(map[string][]chan PutAckEvent),
		bootstrapped: make(chan struct{}),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start begins draining alerts until Stop is called or the stream
// closes.
func (c *Correlator) Start(alerts <-chan Alert) {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go c.run(alerts)
}

// Stop halts the alert pump and waits for it to exit. Idempotent and
// safe to call on a correlator that never started.
func (c *Correlator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

func (c *Correlator) run(alerts <-chan Alert) {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case a, ok := <-alerts:
			if !ok {
				return
			}
			c.handle(a)
		}
	}
}

func (c *Correlator) handle(a Alert) {
	switch a.Type {
	case AlertGetItem:
		key := InfoHash(a.PubKey, a.Salt)
		ev := MutableGetEvent{
			PubKey:        a.PubKey,
			Salt:          a.Salt,
			Value:         a.Value,
			Seq:           a.Seq,
			Authoritative: a.Authoritative,
			When:          a.When,
		}
		c.mu.Lock()
		c.gets[key] = ev
		waiters := c.getWaiters[key]
		delete(c.getWaiters, key)
		c.mu.Unlock()
		for _, w := range waiters {
			w <- ev
		}
		c.log.WithFields(logrus.Fields{"salt": a.Salt, "seq": a.Seq, "auth": a.Authoritative}).Debug("get result correlated")
	case AlertPutAck:
		ack := PutAckEvent{
			PubKey:     a.PubKey,
			Salt:       a.Salt,
			NumSuccess: a.NumSuccess,
			Message:    a.Message,
			When:       a.When,
		}
		c.mu.Lock()
		c.putAcks[a.PubKey] = ack
		waiters := c.putWaiters[a.PubKey]
		delete(c.putWaiters, a.PubKey)
		c.mu.Unlock()
		for _, w := range waiters {
			w <- ack
		}
	case AlertBootstrapDone:
		c.mu.Lock()
		if !c.booted {
			c.booted = true
			close(c.bootstrapped)
		}
		c.mu.Unlock()
		c.log.Debug("bootstrap alert received")
	case AlertError:
		c.log.WithField("message", a.Message).Debug("engine alert")
	}
}

// FindGet is the non-blocking peek into the correlation map.
func (c *Correlator) FindGet(infoHash string) (MutableGetEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.gets[infoHash]
	return ev, ok
}

// RemoveGet clears the correlation entry for an item. Callers clear
// before a fresh blocking lookup so a stale value from an earlier,
// unrelated fetch cannot satisfy it.
func (c *Correlator) RemoveGet(infoHash string) {
	c.mu.Lock()
	delete(c.gets, infoHash)
	c.mu.Unlock()
}

// AwaitGet blocks until a result for the item is published or the
// timeout elapses.
func (c *Correlator) AwaitGet(infoHash string, timeout time.Duration) (MutableGetEvent, bool) {
	c.mu.Lock()
	if ev, ok := c.gets[infoHash]; ok {
		c.mu.Unlock()
		return ev, true
	}
	ch := make(chan MutableGetEvent, 1)
	c.getWaiters[infoHash] = append(c.getWaiters[infoHash], ch)
	c.mu.Unlock()

	t := c.clk.Timer(timeout)
	defer t.Stop()
	select {
	case ev := <-ch:
		return ev, true
	case <-t.C:
		c.dropGetWaiter(infoHash, ch)
		// the result may have raced the deadline
		select {
		case ev := <-ch:
			return ev, true
		default:
		}
		return MutableGetEvent{}, false
	}
}

func (c *Correlator) dropGetWaiter(infoHash string, ch chan MutableGetEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.getWaiters[infoHash]
	for i, w := range waiters {
		if w == ch {
			c.getWaiters[infoHash] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.getWaiters[infoHash]) == 0 {
		delete(c.getWaiters, infoHash)
	}
}

// RemovePutAck clears any stale acknowledgement for an owner key before
// a fresh acked put.
func (c *Correlator) RemovePutAck(pubKeyHex string) {
	c.mu.Lock()
	delete(c.putAcks, pubKeyHex)
	c.mu.Unlock()
}

// AwaitPutAck blocks until the owner key's put acknowledgement arrives
// or the timeout elapses.
func (c *Correlator) AwaitPutAck(pubKeyHex string, timeout time.Duration) (PutAckEvent, bool) {
	c.mu.Lock()
	if ack, ok := c.putAcks[pubKeyHex]; ok {
		c.mu.Unlock()
		return ack, true
	}
	ch := make(chan PutAckEvent, 1)
	c.putWaiters[pubKeyHex] = append(c.putWaiters[pubKeyHex], ch)
	c.mu.Unlock()

	t := c.clk.Timer(timeout)
	defer t.Stop()
	select {
	case ack := <-ch:
		return ack, true
	case <-t.C:
		c.dropPutWaiter(pubKeyHex, ch)
		select {
		case ack := <-ch:
			return ack, true
		default:
		}
		return PutAckEvent{}, false
	}
}

func (c *Correlator) dropPutWaiter(pubKeyHex string, ch chan PutAckEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.putWaiters[pubKeyHex]
	for i, w := range waiters {
		if w == ch {
			c.putWaiters[pubKeyHex] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.putWaiters[pubKeyHex]) == 0 {
		delete(c.putWaiters, pubKeyHex)
	}
}

// Bootstrapped reports whether a bootstrap-completion alert has been
// seen.
func (c *Correlator) Bootstrapped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.booted
}

// AwaitBootstrap blocks until the overlay reports bootstrap completion,
// the timeout elapses, or the correlator stops.
func (c *Correlator) AwaitBootstrap(timeout time.Duration) bool {
	t := c.clk.Timer(timeout)
	defer t.Stop()
	select {
	case <-c.bootstrapped:
		return true
	case <-c.stop:
		return false
	case <-t.C:
		return false
	}
}
