package dht

import "time"

// AlertType classifies events drained from the engine's alert stream.
type AlertType int

const (
	AlertNone AlertType = iota
	// AlertBootstrapDone signals the overlay finished bootstrapping.
	AlertBootstrapDone
	// AlertGetItem carries the result of a mutable-item lookup.
	AlertGetItem
	// AlertPutAck carries the best-effort acknowledgement of a put.
	AlertPutAck
	// AlertError carries an engine-side diagnostic.
	AlertError
)

// Alert is one event from the overlay engine. Which fields are set
// depends on Type.
type Alert struct {
	Type          AlertType
	PubKey        string // hex
	Salt          string
	Value         []byte
	Seq           int64
	Authoritative bool
	NumSuccess    int
	Message       string
	When          time.Time
}

// ItemSigner produces the signed payload for one put. The engine
// invokes it once per item after resolving the item's storage slot.
type ItemSigner func() (value []byte, seq int64, sig Signature)

// Engine is the DHT overlay session handle. Lookups and puts are
// asynchronous: results and acknowledgements arrive on the alert
// stream and are correlated by the Correlator. Implementations run
// their own internal concurrency; all methods must be safe for
// concurrent use.
type Engine interface {
	// IsRunning reports whether the overlay side of the session is up.
	IsRunning() bool

	// LookupItem requests a mutable item. The result, if any, surfaces
	// as an AlertGetItem.
	LookupItem(pub PublicKey, salt string) error

	// PutItem stores a mutable item signed by sign. The best-effort
	// acknowledgement surfaces as an AlertPutAck.
	PutItem(pub PublicKey, salt string, sign ItemSigner) error

	// ApplySettings reconfigures the running engine.
	ApplySettings(s Settings)

	// Abort tears the engine down. The alert stream is closed.
	Abort()

	// SaveState serializes the engine's opaque state blob.
	SaveState() ([]byte, error)

	// LoadState restores a previously saved blob. Implementations must
	// not partially mutate state when the blob does not parse.
	LoadState(blob []byte) error

	// Alerts is the engine's event stream.
	Alerts() <-chan Alert
}

// EngineFactory builds an Engine from loaded settings. The session
// lifecycle manager calls it once readiness holds.
type EngineFactory func(s Settings) (Engine, error)
