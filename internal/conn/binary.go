package conn

import (
	"encoding/binary"
	"errors"
	"io"
)

// Opcode is the binary protocol's one-byte command code (spec.md §6).
type Opcode uint8

const (
	OpGet        Opcode = 0x00
	OpSet        Opcode = 0x01
	OpAdd        Opcode = 0x02
	OpReplace    Opcode = 0x03
	OpDelete     Opcode = 0x04
	OpIncrement  Opcode = 0x05
	OpDecrement  Opcode = 0x06
	OpQuit       Opcode = 0x07
	OpFlush      Opcode = 0x08
	OpGetQ       Opcode = 0x09
	OpNoop       Opcode = 0x0a
	OpVersion    Opcode = 0x0b
	OpGetK       Opcode = 0x0c
	OpGetKQ      Opcode = 0x0d
	OpAppend     Opcode = 0x0e
	OpPrepend    Opcode = 0x0f
	OpStat       Opcode = 0x10
	OpSetQ       Opcode = 0x11
	OpAddQ       Opcode = 0x12
	OpReplaceQ   Opcode = 0x13
	OpDeleteQ    Opcode = 0x14
	OpIncrementQ Opcode = 0x15
	OpDecrementQ Opcode = 0x16
	OpQuitQ      Opcode = 0x17
	OpFlushQ     Opcode = 0x18
	OpAppendQ    Opcode = 0x19
	OpPrependQ   Opcode = 0x1a
	OpVerbosity  Opcode = 0x1b
)

// Status is the binary protocol's two-byte response status (spec.md §6).
type Status uint16

const (
	StatusNoError       Status = 0x0000
	StatusKeyNotFound   Status = 0x0001
	StatusKeyExists     Status = 0x0002
	StatusValueTooLarge Status = 0x0003
	StatusInvalidArgs   Status = 0x0004
	StatusNotStored     Status = 0x0005
	StatusNonNumeric    Status = 0x0006
	StatusUnknownCmd    Status = 0x0081
	StatusOutOfMemory   Status = 0x0082
)

const (
	magicRequest  byte = 0x80
	magicResponse byte = 0x81
	headerLen          = 24
)

var errBadMagic = errors.New("conn: bad binary protocol magic byte")

// binaryHeader is the 24-byte binary protocol frame header (spec.md §6).
type binaryHeader struct {
	opcode    Opcode
	keyLen    uint16
	extrasLen uint8
	bodyLen   uint32
	opaque    uint32
	cas       uint64
}

func readBinaryHeader(r io.Reader) (binaryHeader, error) {
	var buf [headerLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return binaryHeader{}, err
	}
	if buf[0] != magicRequest {
		return binaryHeader{}, errBadMagic
	}
	return binaryHeader{
		opcode:    Opcode(buf[1]),
		keyLen:    binary.BigEndian.Uint16(buf[2:4]),
		extrasLen: buf[4],
		bodyLen:   binary.BigEndian.Uint32(buf[8:12]),
		opaque:    binary.BigEndian.Uint32(buf[12:16]),
		cas:       binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// readBinaryCommand parses one full binary-protocol request, blocking
// until the header and body have arrived. Extras layouts follow spec.md
// §6: set/add/replace carry a 4-byte flags + 4-byte exptime extras block;
// incr/decr carry delta(8)+initial(8)+exptime(4); flush and verbosity
// carry a single 4-byte value; get/delete/append/prepend carry none.
//
// The full frame is always read off the wire first, keyLen and extrasLen
// included, before either is validated: the header already commits the
// client to that many follow-on bytes, and rejecting before draining them
// would desync the next request on the same connection.
func (c *Connection) readBinaryCommand() (*Command, error) {
	hdr, err := readBinaryHeader(c.r)
	if err != nil {
		return nil, err
	}
	extras := make([]byte, hdr.extrasLen)
	if len(extras) > 0 {
		if _, err := io.ReadFull(c.r, extras); err != nil {
			return nil, err
		}
	}
	key := make([]byte, hdr.keyLen)
	if len(key) > 0 {
		if _, err := io.ReadFull(c.r, key); err != nil {
			return nil, err
		}
	}
	valueLen := int(hdr.bodyLen) - int(hdr.extrasLen) - int(hdr.keyLen)
	if valueLen < 0 {
		return nil, errors.New("conn: binary body shorter than extras+key")
	}
	value := make([]byte, valueLen)
	if valueLen > 0 {
		if _, err := io.ReadFull(c.r, value); err != nil {
			return nil, err
		}
	}

	if hdr.keyLen > MaxKeyLen {
		return nil, ErrKeyTooLong
	}
	if !validExtrasLen(hdr.opcode, hdr.extrasLen) {
		return nil, ErrProtocol
	}

	cmd := &Command{Key: key, Value: value, Binary: true, Opaque: hdr.opaque, Stamp: hdr.cas}

	switch hdr.opcode {
	case OpGet, OpGetQ:
		cmd.Type = CmdGet
		cmd.Noreply = hdr.opcode == OpGetQ
	case OpGetK, OpGetKQ:
		cmd.Type = CmdGetK
		cmd.Noreply = hdr.opcode == OpGetKQ
	case OpSet, OpSetQ:
		cmd.Type = CmdSet
		cmd.Noreply = hdr.opcode == OpSetQ
		decodeStoreExtras(cmd, extras)
	case OpAdd, OpAddQ:
		cmd.Type = CmdAdd
		cmd.Noreply = hdr.opcode == OpAddQ
		decodeStoreExtras(cmd, extras)
	case OpReplace, OpReplaceQ:
		cmd.Type = CmdReplace
		cmd.Noreply = hdr.opcode == OpReplaceQ
		decodeStoreExtras(cmd, extras)
	case OpAppend, OpAppendQ:
		cmd.Type = CmdAppend
		cmd.Noreply = hdr.opcode == OpAppendQ
	case OpPrepend, OpPrependQ:
		cmd.Type = CmdPrepend
		cmd.Noreply = hdr.opcode == OpPrependQ
	case OpDelete, OpDeleteQ:
		cmd.Type = CmdDelete
		cmd.Noreply = hdr.opcode == OpDeleteQ
	case OpIncrement, OpIncrementQ, OpDecrement, OpDecrementQ:
		if hdr.opcode == OpIncrement || hdr.opcode == OpIncrementQ {
			cmd.Type = CmdIncr
		} else {
			cmd.Type = CmdDecr
		}
		cmd.Noreply = hdr.opcode == OpIncrementQ || hdr.opcode == OpDecrementQ
		decodeDeltaExtras(cmd, extras)
	case OpFlush, OpFlushQ:
		cmd.Type = CmdFlushAll
		cmd.Noreply = hdr.opcode == OpFlushQ
	case OpVersion:
		cmd.Type = CmdVersion
	case OpVerbosity:
		cmd.Type = CmdVerbosity
		if len(extras) >= 4 {
			cmd.Delta = uint64(binary.BigEndian.Uint32(extras[:4]))
		}
	case OpStat:
		cmd.Type = CmdStats
	case OpNoop:
		cmd.Type = CmdNoop
	case OpQuit, OpQuitQ:
		cmd.Type = CmdQuit
		cmd.Noreply = hdr.opcode == OpQuitQ
	default:
		cmd.Type = CmdUnknown
	}
	return cmd, nil
}

// validExtrasLen reports whether n matches the extras block length
// spec.md §4.6 prescribes for opcode: 0 for lookup/delete/append/prepend
// and the no-payload control opcodes, 8 for the set family, 20 for
// incr/decr, 0 or 4 for flush, and 4 for verbosity.
func validExtrasLen(opcode Opcode, n uint8) bool {
	switch opcode {
	case OpSet, OpSetQ, OpAdd, OpAddQ, OpReplace, OpReplaceQ:
		return n == 8
	case OpIncrement, OpIncrementQ, OpDecrement, OpDecrementQ:
		return n == 20
	case OpFlush, OpFlushQ:
		return n == 0 || n == 4
	case OpVerbosity:
		return n == 4
	default:
		return n == 0
	}
}

func decodeStoreExtras(cmd *Command, extras []byte) {
	if len(extras) < 8 {
		return
	}
	cmd.Flags = binary.BigEndian.Uint32(extras[0:4])
	cmd.ExpTime = int64(binary.BigEndian.Uint32(extras[4:8]))
}

func decodeDeltaExtras(cmd *Command, extras []byte) {
	if len(extras) < 20 {
		return
	}
	cmd.Delta = binary.BigEndian.Uint64(extras[0:8])
	cmd.Initial = binary.BigEndian.Uint64(extras[8:16])
	cmd.ExpTime = int64(binary.BigEndian.Uint32(extras[16:20]))
}

// WriteBinaryReply writes one binary-protocol response frame. extras and
// value may be nil. key is non-nil only for GetK/GetKQ-style replies that
// echo the key back.
func (c *Connection) WriteBinaryReply(opcode Opcode, status Status, opaque uint32, cas uint64, extras, key, value []byte) error {
	var hdr [headerLen]byte
	hdr[0] = magicResponse
	hdr[1] = byte(opcode)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(key)))
	hdr[4] = byte(len(extras))
	binary.BigEndian.PutUint16(hdr[6:8], uint16(status))
	bodyLen := len(extras) + len(key) + len(value)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(hdr[12:16], opaque)
	binary.BigEndian.PutUint64(hdr[16:24], cas)

	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(extras) > 0 {
		if _, err := c.w.Write(extras); err != nil {
			return err
		}
	}
	if len(key) > 0 {
		if _, err := c.w.Write(key); err != nil {
			return err
		}
	}
	if len(value) > 0 {
		if _, err := c.w.Write(value); err != nil {
			return err
		}
	}
	return nil
}
