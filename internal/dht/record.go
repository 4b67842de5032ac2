package dht

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	// TotalSlots is the maximum number of chunks one record may occupy.
	TotalSlots = 32

	// DefaultChunkSize keeps each chunk under the overlay's single-item
	// payload limit.
	DefaultChunkSize = 768
)

// RecordKey identifies one logical record for locking purposes: the
// owner key plus the operation code. It is not unique per salt.
type RecordKey struct {
	Pub PublicKey
	Op  string
}

// HeaderSalt returns the deterministic salt of a record's header item.
func HeaderSalt(op string) string { return op + ":0" }

// ChunkSalt returns the deterministic salt of chunk i (zero-based).
func ChunkSalt(op string, i int) string { return op + ":" + strconv.Itoa(i+1) }

// RecordHeader describes one stored record: the chunk count plus
// integrity metadata. A header with NChunks == 0 denotes a single-item
// record; the header alone is the result.
type RecordHeader struct {
	Version   uint16 `json:"version"`
	Op        string `json:"op"`
	NChunks   uint16 `json:"chunks"`
	TotalSize uint32 `json:"size"`
	Checksum  string `json:"checksum,omitempty"`
}

// IsNull reports whether the header is the zero value, i.e. no header
// item was resolved.
func (h RecordHeader) IsNull() bool {
	return h.Op == "" && h.NChunks == 0 && h.TotalSize == 0 && h.Checksum == ""
}

// EncodeHex serializes the header for its DHT item. Headers travel as
// hex-encoded JSON so the wire value stays printable regardless of the
// overlay's payload handling.
func (h RecordHeader) EncodeHex() (string, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("%w: header encode: %v", ErrMalformedRecord, err)
	}
	return hex.EncodeToString(raw), nil
}

// DecodeHeaderHex parses a header item value. An empty input yields a
// null header without error.
func DecodeHeaderHex(s string) (RecordHeader, error) {
	var h RecordHeader
	if s == "" {
		return h, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: header hex: %v", ErrMalformedRecord, err)
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return RecordHeader{}, fmt.Errorf("%w: header json: %v", ErrMalformedRecord, err)
	}
	return h, nil
}

// DataChunk is one ordered piece of a record's payload.
type DataChunk struct {
	Index int
	Total int
	Salt  string
	Value []byte
}

// DataRecord is a header plus its ordered chunks, bound to the opaque
// private seed the caller uses for downstream integrity or decryption.
// The seed is carried, never inspected.
type DataRecord struct {
	Op          string
	TotalSlots  uint16
	Header      RecordHeader
	Chunks      []DataChunk
	PrivateSeed []byte
	OwnerPath   string // caller-supplied ownership annotation

	errMsg string
}

// OperationCode returns the record's operation code, the second half of
// its RecordKey.
func (r *DataRecord) OperationCode() string { return r.Op }

// HasError reports whether the record failed validation. Invalid
// records must be treated as not found by callers.
func (r *DataRecord) HasError() bool { return r.errMsg != "" }

// ErrorMessage returns the validation diagnostic, empty when valid.
func (r *DataRecord) ErrorMessage() string { return r.errMsg }

// Value returns the record payload: the chunks' raw values joined in
// index order.
func (r *DataRecord) Value() []byte {
	var buf bytes.Buffer
	for _, ch := range r.Chunks {
		buf.Write(ch.Value)
	}
	return buf.Bytes()
}

// NewDataRecord splits an opaque payload into a header plus ordered
// chunks no larger than chunkSize, ready for SubmitPut. A chunkSize of
// zero or less takes DefaultChunkSize.
func NewDataRecord(op string, payload []byte, chunkSize int, privateSeed []byte) (*DataRecord, error) {
	if op == "" {
		return nil, fmt.Errorf("%w: empty operation type", ErrMalformedRecord)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var chunks []DataChunk
	if len(payload) > 0 {
		n := (len(payload) + chunkSize - 1) / chunkSize
		if n > TotalSlots {
			return nil, fmt.Errorf("%w: payload needs %d chunks, limit is %d", ErrMalformedRecord, n, TotalSlots)
		}
		chunks = make([]DataChunk, 0, n)
		for i := 0; i < n; i++ {
			end := (i + 1) * chunkSize
			if end > len(payload) {
				end = len(payload)
			}
			chunks = append(chunks, DataChunk{
				Index: i,
				Total: n,
				Salt:  ChunkSalt(op, i),
				Value: payload[i*chunkSize : end],
			})
		}
	}
	header := RecordHeader{
		Version:   1,
		Op:        op,
		NChunks:   uint16(len(chunks)),
		TotalSize: uint32(len(payload)),
		Checksum:  Checksum(payload),
	}
	return &DataRecord{
		Op:          op,
		TotalSlots:  TotalSlots,
		Header:      header,
		Chunks:      chunks,
		PrivateSeed: privateSeed,
	}, nil
}

// AssembleRecord binds a fetched header and chunk sequence into a
// record, validating chunk count, index order and the header's
// integrity metadata. Validation failures set the record's diagnostic
// instead of returning an error so batch callers can log and skip.
func AssembleRecord(op string, header RecordHeader, chunks []DataChunk, privateSeed []byte) *DataRecord {
	r := &DataRecord{
		Op:          op,
		TotalSlots:  TotalSlots,
		Header:      header,
		Chunks:      chunks,
		PrivateSeed: privateSeed,
	}
	if int(header.NChunks) > TotalSlots {
		r.errMsg = fmt.Sprintf("header declares %d chunks, limit is %d", header.NChunks, TotalSlots)
		return r
	}
	if int(header.NChunks) != len(chunks) {
		r.errMsg = fmt.Sprintf("chunk count mismatch: header declares %d, assembled %d", header.NChunks, len(chunks))
		return r
	}
	for i, ch := range chunks {
		if ch.Index != i {
			r.errMsg = fmt.Sprintf("chunk out of order: index %d at position %d", ch.Index, i)
			return r
		}
	}
	value := r.Value()
	if header.TotalSize != 0 && int(header.TotalSize) != len(value) {
		r.errMsg = fmt.Sprintf("size mismatch: header declares %d bytes, assembled %d", header.TotalSize, len(value))
		return r
	}
	if header.Checksum != "" && Checksum(value) != header.Checksum {
		r.errMsg = "checksum mismatch"
		return r
	}
	return r
}
