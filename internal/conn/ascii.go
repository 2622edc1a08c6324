package conn

import (
	"errors"
	"io"
	"strconv"
	"strings"
)

// ErrProtocol marks a malformed ASCII line that the executor should
// answer with a plain "ERROR\r\n" and continue (spec.md §7: "Protocol:
// malformed framing... reply ERROR\r\n, continue").
var ErrProtocol = errors.New("conn: malformed ascii command")

// readLine reads one CRLF- or bare-LF-terminated line (spec.md §4.6:
// "accept \r\n or bare \n as line terminator"), trimming the terminator.
func (c *Connection) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	c.batchBudget += len(line)
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// readASCIICommand parses one line of the text protocol, following up
// with a storage command's data block when the header calls for one.
// Multi-key "get"/"gets" lines are expanded into a chain of Command nodes
// linked via Command.next, the last of which carries GetLast so the
// executor knows when to emit the terminating END line (spec.md §4.7).
func (c *Connection) readASCIICommand() (cmd *Command, err error) {
	defer func() {
		if err == nil {
			c.batchBudget = 0
		}
	}()
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, ErrProtocol
	}

	switch fields[0] {
	case "get", "gets":
		if len(fields) < 2 {
			return nil, ErrProtocol
		}
		if err := c.checkBudget(defaultGetBudget); err != nil {
			return nil, err
		}
		return c.buildGetChain(fields[1:], fields[0] == "gets")
	case "set", "add", "replace", "append", "prepend", "cas":
		if err := c.checkBudget(defaultCmdBudget); err != nil {
			return nil, err
		}
		return c.parseStorageCommand(fields)
	case "incr", "decr":
		return parseDeltaCommand(fields)
	case "delete":
		return parseDeleteCommand(fields)
	case "touch":
		return parseTouchCommand(fields)
	case "flush_all":
		return parseFlushAllCommand(fields)
	case "version":
		return &Command{Type: CmdVersion}, nil
	case "verbosity":
		return parseVerbosityCommand(fields)
	case "stats":
		return &Command{Type: CmdStats}, nil
	case "slabs":
		return &Command{Type: CmdSlabs}, nil
	case "quit":
		return &Command{Type: CmdQuit}, nil
	default:
		return nil, ErrProtocol
	}
}

// checkBudget enforces spec.md §4.6's abuse guard: a connection that
// accumulates more unconsumed bytes than budget between complete commands
// is marked trash and disconnected.
func (c *Connection) checkBudget(budget int) error {
	if c.batchBudget > budget {
		c.trash = true
		return ErrTrashed
	}
	return nil
}

// buildGetChain turns "get k1 k2 k3" into a linked chain of CmdGet
// commands sharing the withStamp (gets) flag, keys validated against
// MaxKeyLen (spec.md §4.6/§8).
func (c *Connection) buildGetChain(keys []string, withStamp bool) (*Command, error) {
	if err := c.checkBudget(defaultGetBudget); err != nil {
		return nil, err
	}
	var head, tail *Command
	for i, k := range keys {
		if len(k) > MaxKeyLen {
			return nil, ErrKeyTooLong
		}
		cmd := &Command{Type: CmdGet, Key: []byte(k), WantStamp: withStamp}
		if i == len(keys)-1 {
			cmd.GetLast = true
		}
		if head == nil {
			head = cmd
		} else {
			tail.SetNext(cmd)
		}
		tail = cmd
	}
	c.batchBudget = 0
	return head, nil
}

// parseStorageCommand handles set/add/replace/append/prepend/cas, reading
// the `<bytes>` data block that follows the header line (spec.md §4.6:
// "after the header line read exactly <bytes> bytes followed by CRLF").
func (c *Connection) parseStorageCommand(fields []string) (*Command, error) {
	name := fields[0]
	isCas := name == "cas"
	minFields := 5
	if isCas {
		minFields = 6
	}
	if len(fields) < minFields {
		return nil, ErrProtocol
	}
	key := fields[1]
	flags, err1 := strconv.ParseUint(fields[2], 10, 32)
	exptime, err2 := strconv.ParseInt(fields[3], 10, 64)
	length, err3 := strconv.ParseUint(fields[4], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, ErrProtocol
	}
	var stamp uint64
	noreplyIdx := 5
	if isCas {
		stamp, err1 = strconv.ParseUint(fields[5], 10, 64)
		if err1 != nil {
			return nil, ErrProtocol
		}
		noreplyIdx = 6
	}
	noreply := len(fields) > noreplyIdx && fields[noreplyIdx] == "noreply"

	// The data block must be consumed regardless of whether the key is
	// valid, or the stream misaligns for whatever command comes next
	// (spec.md §8: a too-long key is rejected with ERROR, not a dropped
	// connection).
	value := make([]byte, length)
	if _, err := io.ReadFull(c.r, value); err != nil {
		return nil, err
	}
	if err := c.consumeTrailingCRLF(); err != nil {
		return nil, err
	}
	c.batchBudget = 0
	if len(key) > MaxKeyLen {
		return nil, ErrKeyTooLong
	}

	var typ Type
	switch name {
	case "set":
		typ = CmdSet
	case "add":
		typ = CmdAdd
	case "replace":
		typ = CmdReplace
	case "append":
		typ = CmdAppend
	case "prepend":
		typ = CmdPrepend
	case "cas":
		typ = CmdCas
	}

	return &Command{
		Type:    typ,
		Key:     []byte(key),
		Value:   value,
		Flags:   uint32(flags),
		ExpTime: exptime,
		Stamp:   stamp,
		Noreply: noreply,
	}, nil
}

// consumeTrailingCRLF reads and discards the CRLF (or bare LF) that must
// follow a storage command's data block.
func (c *Connection) consumeTrailingCRLF() error {
	b, err := c.r.ReadByte()
	if err != nil {
		return err
	}
	if b == '\r' {
		b, err = c.r.ReadByte()
		if err != nil {
			return err
		}
	}
	if b != '\n' {
		return ErrProtocol
	}
	return nil
}

func parseDeltaCommand(fields []string) (*Command, error) {
	if len(fields) < 3 {
		return nil, ErrProtocol
	}
	key := fields[1]
	if len(key) > MaxKeyLen {
		return nil, ErrKeyTooLong
	}
	delta, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return nil, ErrProtocol
	}
	noreply := len(fields) > 3 && fields[3] == "noreply"
	typ := CmdIncr
	if fields[0] == "decr" {
		typ = CmdDecr
	}
	return &Command{Type: typ, Key: []byte(key), Delta: delta, Noreply: noreply}, nil
}

func parseDeleteCommand(fields []string) (*Command, error) {
	if len(fields) < 2 {
		return nil, ErrProtocol
	}
	key := fields[1]
	if len(key) > MaxKeyLen {
		return nil, ErrKeyTooLong
	}
	noreply := len(fields) > 2 && fields[len(fields)-1] == "noreply"
	return &Command{Type: CmdDelete, Key: []byte(key), Noreply: noreply}, nil
}

func parseTouchCommand(fields []string) (*Command, error) {
	if len(fields) < 3 {
		return nil, ErrProtocol
	}
	key := fields[1]
	if len(key) > MaxKeyLen {
		return nil, ErrKeyTooLong
	}
	exptime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, ErrProtocol
	}
	noreply := len(fields) > 3 && fields[3] == "noreply"
	return &Command{Type: CmdTouch, Key: []byte(key), ExpTime: exptime, Noreply: noreply}, nil
}

func parseFlushAllCommand(fields []string) (*Command, error) {
	cmd := &Command{Type: CmdFlushAll}
	if len(fields) >= 2 && fields[1] != "noreply" {
		exptime, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, ErrProtocol
		}
		cmd.ExpTime = exptime
	}
	cmd.Noreply = fields[len(fields)-1] == "noreply"
	return cmd, nil
}

func parseVerbosityCommand(fields []string) (*Command, error) {
	if len(fields) < 2 {
		return nil, ErrProtocol
	}
	level, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, ErrProtocol
	}
	noreply := len(fields) > 2 && fields[2] == "noreply"
	return &Command{Type: CmdVerbosity, Delta: level, Noreply: noreply}, nil
}
