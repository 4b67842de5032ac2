// Package api exposes the DHT mutable-item RPC over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dstore-labs/dhtstore/internal/dht"
	"github.com/dstore-labs/dhtstore/internal/recstore"
)

// Handler serves the DHT RPC endpoints.
type Handler struct {
	Session *dht.Session
	Store   recstore.Store
	Timeout time.Duration // per-call bound for blocking lookups
	Log     *logrus.Entry
}

// Register attaches the endpoints to a router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/dht/mutable", h.GetMutable).Methods("GET")
	r.HandleFunc("/dht/mutable", h.PutMutable).Methods("PUT")
	r.HandleFunc("/dht/records", h.ListRecords).Methods("GET")
	r.HandleFunc("/dht/status", h.Status).Methods("GET")
}

func (h *Handler) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return dht.DefaultFetchTimeout
}

type getMutableResponse struct {
	PubKey   string `json:"pubkey"`
	Salt     string `json:"salt"`
	Sequence int64  `json:"sequence"`
	Value    string `json:"value"`
}

// GetMutable is the synchronous wrapper over a blocking lookup with the
// handler's fixed timeout.
func (h *Handler) GetMutable(w http.ResponseWriter, r *http.Request) {
	pubHex := r.URL.Query().Get("pubkey")
	salt := r.URL.Query().Get("salt")
	if pubHex == "" || salt == "" {
		http.Error(w, "pubkey and salt are required", http.StatusBadRequest)
		return
	}
	pub, err := dht.PublicKeyFromHex(pubHex)
	if err != nil {
		http.Error(w, "invalid pubkey", http.StatusBadRequest)
		return
	}

	res, err := h.Session.SubmitGetTimeout(pub, salt, h.timeout())
	if err != nil {
		switch {
		case errors.Is(err, dht.ErrTimeout):
			http.Error(w, "no result", http.StatusNotFound)
		case errors.Is(err, dht.ErrEngineUnavailable):
			http.Error(w, "dht session unavailable", http.StatusServiceUnavailable)
		default:
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			h.Log.WithError(err).Warn("get-mutable failed")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(getMutableResponse{
		PubKey:   pubHex,
		Salt:     salt,
		Sequence: res.Seq,
		Value:    string(res.Value),
	})
}

type putMutableRequest struct {
	Value   string `json:"value"`
	Salt    string `json:"salt"`
	PubKey  string `json:"pubkey,omitempty"`
	PrivKey string `json:"privkey,omitempty"`
}

type putMutableResponse struct {
	PubKey   string `json:"pubkey"`
	PrivKey  string `json:"privkey,omitempty"`
	Salt     string `json:"salt"`
	Sequence int64  `json:"sequence"`
	Value    string `json:"value"`
	Message  string `json:"message"`
}

// PutMutable stores one mutable item. When no keypair is supplied a
// fresh one is generated and returned in the response; this is the only
// point where a private key is ever disclosed, so "create a new record"
// flows need no prior key management. When keys are supplied, the
// current sequence is fetched with an authoritative lookup first so the
// new value cannot regress it.
func (h *Handler) PutMutable(w http.ResponseWriter, r *http.Request) {
	var req putMutableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Salt == "" {
		http.Error(w, "salt is required", http.StatusBadRequest)
		return
	}

	var (
		pub    dht.PublicKey
		priv   dht.PrivateKey
		newKey = req.PubKey == "" && req.PrivKey == ""
	)
	if newKey {
		kp, err := dht.MakeNewKeyPair()
		if err != nil {
			http.Error(w, "keypair generation failed", http.StatusInternalServerError)
			h.Log.WithError(err).Error("put-mutable keypair generation failed")
			return
		}
		pub, priv = kp.Pub, kp.Priv
	} else {
		if req.PubKey == "" || req.PrivKey == "" {
			http.Error(w, "both pubkey and privkey are required", http.StatusBadRequest)
			return
		}
		var err error
		if pub, err = dht.PublicKeyFromHex(req.PubKey); err != nil {
			http.Error(w, "invalid pubkey", http.StatusBadRequest)
			return
		}
		if priv, err = dht.PrivateKeyFromHex(req.PrivKey); err != nil {
			http.Error(w, "invalid privkey", http.StatusBadRequest)
			return
		}
	}

	var lastSeq int64
	if !newKey {
		res, err := h.Session.GetAuthoritative(pub, req.Salt, h.timeout())
		if err != nil {
			http.Error(w, "could not fetch current sequence for existing key", http.StatusConflict)
			h.Log.WithError(err).Warn("put-mutable read-before-write failed")
			return
		}
		lastSeq = res.Seq
	}

	value := []byte(req.Value)
	seq, msg, err := h.Session.PutMutableItem(pub, priv, req.Salt, lastSeq, value)
	if err != nil {
		switch {
		case errors.Is(err, dht.ErrPutNotAcknowledged):
			http.Error(w, "put not acknowledged: "+msg, http.StatusBadGateway)
		case errors.Is(err, dht.ErrTimeout):
			http.Error(w, "put acknowledgement timed out", http.StatusGatewayTimeout)
		case errors.Is(err, dht.ErrEngineUnavailable):
			http.Error(w, "dht session unavailable", http.StatusServiceUnavailable)
		default:
			http.Error(w, "put failed", http.StatusInternalServerError)
			h.Log.WithError(err).Warn("put-mutable failed")
		}
		return
	}

	// Retain a queryable local copy of the confirmed put.
	sig := dht.SignItem(value, req.Salt, seq, pub, priv)
	if err := h.Store.Put(recstore.MutableData{
		InfoHash:  dht.InfoHash(pub.Hex(), req.Salt),
		PublicKey: pub.Hex(),
		Signature: sig.Hex(),
		Sequence:  seq,
		Salt:      req.Salt,
		Value:     value,
	}); err != nil {
		h.Log.WithError(err).Warn("confirmed put not cached")
	}

	resp := putMutableResponse{
		PubKey:   pub.Hex(),
		Salt:     req.Salt,
		Sequence: seq,
		Value:    req.Value,
		Message:  msg,
	}
	if newKey {
		resp.PrivKey = priv.Hex()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListRecords returns the local cache of confirmed puts.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.List()
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		h.Log.WithError(err).Warn("record list failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// Status reports the session's lifecycle state.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"state":       h.Session.State().String(),
		"submissions": len(h.Session.Submissions()),
	}
	if err := h.Session.Err(); err != nil {
		status["error"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
