package conn

// Type identifies which wire-level command a Command carries, normalized
// across the ASCII and binary protocols so internal/executor has a single
// dispatch switch (spec.md §4.7's "Dispatch on type tag").
type Type uint8

const (
	CmdUnknown Type = iota
	CmdGet
	CmdGetK // binary "get with key echoed back"
	CmdSet
	CmdAdd
	CmdReplace
	CmdAppend
	CmdPrepend
	CmdCas
	CmdDelete
	CmdIncr
	CmdDecr
	CmdTouch
	CmdFlushAll
	CmdStats
	CmdVersion
	CmdVerbosity
	CmdNoop
	CmdQuit
	CmdSlabs
)

// Command is the parsed, protocol-agnostic request spec.md §3 describes:
// a type tag, key view, optional value view, storage metadata, and a
// queue-link field so a Connection can hold several pipelined commands
// (binary-protocol quiet variants, or ASCII commands arriving faster than
// they're executed) in a singly-linked FIFO.
type Command struct {
	Type Type

	Key   []byte
	Value []byte

	Flags   uint32
	ExpTime int64 // raw client-supplied exptime, normalized later by clock.NormalizeExpiry
	Stamp   uint64 // CAS token; 0 means "no token supplied"
	Delta   uint64 // incr/decr operand
	Initial uint64 // incr/decr initial value when the key is absent, binary protocol only

	Noreply   bool // ASCII "noreply" suffix or binary quiet opcode
	Binary    bool // which protocol this command arrived over, for reply framing
	Opaque    uint32 // binary protocol correlation token, echoed back verbatim
	WantStamp bool // "gets" requested the CAS token be echoed in the VALUE line
	GetLast   bool // last command in a get/gets multi-key batch; triggers the END line

	next *Command
}

// Next returns the command's queue successor.
func (c *Command) Next() *Command { return c.next }

// SetNext sets the command's queue successor.
func (c *Command) SetNext(n *Command) { c.next = n }
