package wire

import "strconv"

// OpCode identifies a payload variant. Values are fixed by their order.
type OpCode uint8

const (
	OpIdentify OpCode = iota
	OpOk
	OpRejection
	OpPing
	OpPong
	OpKick
	OpInitialize
	OpCreation
	OpChange
	OpRemoval
)

var opNames = [...]string{
	OpIdentify:   "IDENTIFY",
	OpOk:         "OK",
	OpRejection:  "REJECTION",
	OpPing:       "PING",
	OpPong:       "PONG",
	OpKick:       "KICK",
	OpInitialize: "INITIALIZE",
	OpCreation:   "CREATION",
	OpChange:     "CHANGE",
	OpRemoval:    "REMOVAL",
}

// Valid reports whether op is one of the ten known opcodes.
func (op OpCode) Valid() bool {
	return int(op) < len(opNames)
}

// IsData reports whether op carries replicated object state.
func (op OpCode) IsData() bool {
	return op >= OpInitialize && op <= OpRemoval
}

func (op OpCode) String() string {
	if op.Valid() {
		return opNames[op]
	}
	return "OP(" + strconv.Itoa(int(op)) + ")"
}
