package wire

import "time"

// Payload is one logical message exchanged between peers.
// Payloads are treated as immutable once built; the flood path forwards
// the same value to several connections.
type Payload struct {
	// Version is the advisory schema version, sent with Identify and Ok.
	Version *int
	// Time is the creation time in Unix milliseconds.
	Time int64
	Op   OpCode

	Hash      *uint64
	PriorHash *uint64

	// Data is the field map of Creation and Change, or the handshake
	// metadata of Identify and Ok.
	Data map[string]any
	// Init is the bulk state of an Initialize payload.
	Init *InitData
}

// InitData is the body of an Initialize payload.
type InitData struct {
	// Respond asks the receiver to answer with its own full state.
	Respond bool
	Objects []map[string]any
}

func now() int64 {
	return time.Now().UnixMilli()
}

// NewIdentify builds the first payload an initiator sends.
func NewIdentify(version int, metadata map[string]any) *Payload {
	return &Payload{Version: &version, Time: now(), Op: OpIdentify, Data: metadata}
}

// NewOk builds the acceptor's handshake acceptance.
func NewOk(version int, metadata map[string]any) *Payload {
	return &Payload{Version: &version, Time: now(), Op: OpOk, Data: metadata}
}

func NewRejection() *Payload { return &Payload{Time: now(), Op: OpRejection} }
func NewPing() *Payload      { return &Payload{Time: now(), Op: OpPing} }
func NewPong() *Payload      { return &Payload{Time: now(), Op: OpPong} }
func NewKick() *Payload      { return &Payload{Time: now(), Op: OpKick} }

// NewInitialize builds a bulk state transfer.
func NewInitialize(respond bool, objects []map[string]any) *Payload {
	if objects == nil {
		objects = []map[string]any{}
	}
	return &Payload{Time: now(), Op: OpInitialize, Init: &InitData{Respond: respond, Objects: objects}}
}

// NewCreation announces a new object with all of its fields.
func NewCreation(hash uint64, fields map[string]any) *Payload {
	return &Payload{Time: now(), Op: OpCreation, Hash: &hash, Data: fields}
}

// NewChange announces a single-field change. prior is the hash the object
// was stored under before the change and is the lookup key on receivers.
func NewChange(hash, prior uint64, field string, value any) *Payload {
	return &Payload{
		Time:      now(),
		Op:        OpChange,
		Hash:      &hash,
		PriorHash: &prior,
		Data:      map[string]any{field: value},
	}
}

// NewRemoval announces the removal of an object.
func NewRemoval(hash uint64) *Payload {
	return &Payload{Time: now(), Op: OpRemoval, Hash: &hash}
}

// HashValue returns the h header, or zero when absent.
func (p *Payload) HashValue() uint64 {
	if p.Hash == nil {
		return 0
	}
	return *p.Hash
}

// PriorHashValue returns the oh header, or zero when absent.
func (p *Payload) PriorHashValue() uint64 {
	if p.PriorHash == nil {
		return 0
	}
	return *p.PriorHash
}

// VersionValue returns the advisory version, or -1 when absent.
func (p *Payload) VersionValue() int {
	if p.Version == nil {
		return -1
	}
	return *p.Version
}
