package conn

import (
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPipeConn wires a Connection to one end of an in-memory net.Pipe and
// hands the caller the other end to write requests into / read replies
// from, exercising the real bufio framing instead of a fake reader.
func newPipeConn(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return New(server, Config{}), client
}

// send writes b on a separate goroutine since net.Pipe is unbuffered and
// would otherwise deadlock against the test goroutine's blocking read.
func send(t *testing.T, client net.Conn, b string) {
	t.Helper()
	go func() {
		_, _ = client.Write([]byte(b))
	}()
}

func TestReadCommandSingleGet(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "get foo\r\n")

	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdGet, cmd.Type)
	assert.Equal(t, "foo", string(cmd.Key))
	assert.True(t, cmd.GetLast)
	assert.False(t, cmd.WantStamp)
	assert.Nil(t, cmd.Next())
}

func TestReadCommandMultiGetChain(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "get a b c\r\n")

	cmd, err := c.ReadCommand()
	require.NoError(t, err)

	var keys []string
	n := cmd
	for n != nil {
		keys = append(keys, string(n.Key))
		if n.Next() == nil {
			assert.True(t, n.GetLast)
		} else {
			assert.False(t, n.GetLast)
		}
		n = n.Next()
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestReadCommandGetsSetsWantStamp(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "gets foo\r\n")

	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.True(t, cmd.WantStamp)
}

func TestReadCommandSet(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "set foo 5 60 3\r\nbar\r\n")

	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdSet, cmd.Type)
	assert.Equal(t, "foo", string(cmd.Key))
	assert.Equal(t, uint32(5), cmd.Flags)
	assert.Equal(t, int64(60), cmd.ExpTime)
	assert.Equal(t, "bar", string(cmd.Value))
	assert.False(t, cmd.Noreply)
}

func TestReadCommandSetNoreply(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "set foo 0 0 3 noreply\r\nbar\r\n")

	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.True(t, cmd.Noreply)
}

func TestReadCommandCasCarriesStamp(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "cas foo 0 0 3 42\r\nbar\r\n")

	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdCas, cmd.Type)
	assert.Equal(t, uint64(42), cmd.Stamp)
}

func TestReadCommandKeyTooLong(t *testing.T) {
	c, client := newPipeConn(t)
	longKey := strings.Repeat("k", MaxKeyLen+1)
	send(t, client, "set "+longKey+" 0 0 3\r\nbar\r\n")

	_, err := c.ReadCommand()
	assert.ErrorIs(t, err, ErrKeyTooLong)
}

func TestReadCommandIncrDecr(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "incr foo 5\r\n")
	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdIncr, cmd.Type)
	assert.Equal(t, uint64(5), cmd.Delta)

	c2, client2 := newPipeConn(t)
	send(t, client2, "decr foo 5\r\n")
	cmd2, err := c2.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdDecr, cmd2.Type)
}

func TestReadCommandDelete(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "delete foo\r\n")
	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdDelete, cmd.Type)
	assert.Equal(t, "foo", string(cmd.Key))
}

func TestReadCommandTouch(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "touch foo 30\r\n")
	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdTouch, cmd.Type)
	assert.Equal(t, int64(30), cmd.ExpTime)
}

func TestReadCommandFlushAllWithDelay(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "flush_all 10\r\n")
	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdFlushAll, cmd.Type)
	assert.Equal(t, int64(10), cmd.ExpTime)
	assert.False(t, cmd.Noreply)
}

func TestReadCommandFlushAllBare(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "flush_all\r\n")
	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdFlushAll, cmd.Type)
	assert.Equal(t, int64(0), cmd.ExpTime)
}

func TestReadCommandVersionStatsQuit(t *testing.T) {
	for _, tc := range []struct {
		line string
		typ  Type
	}{
		{"version\r\n", CmdVersion},
		{"stats\r\n", CmdStats},
		{"quit\r\n", CmdQuit},
		{"slabs\r\n", CmdSlabs},
	} {
		c, client := newPipeConn(t)
		send(t, client, tc.line)
		cmd, err := c.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, tc.typ, cmd.Type)
	}
}

func TestReadCommandVerbosity(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "verbosity 2\r\n")
	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdVerbosity, cmd.Type)
	assert.Equal(t, uint64(2), cmd.Delta)
}

func TestReadCommandMalformedLineIsProtocolError(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "bogus-command\r\n")
	_, err := c.ReadCommand()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadCommandBlankLineIsProtocolError(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "\r\n")
	_, err := c.ReadCommand()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadCommandAcceptsBareLF(t *testing.T) {
	c, client := newPipeConn(t)
	send(t, client, "get foo\n")
	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, "foo", string(cmd.Key))
}

func TestReadCommandGetTripsAbuseBudget(t *testing.T) {
	c, client := newPipeConn(t)
	// A single get line longer than defaultGetBudget trips the guard on
	// its very first command.
	longKey := strings.Repeat("k", defaultGetBudget+100)
	send(t, client, "get "+longKey+"\r\n")

	_, err := c.ReadCommand()
	assert.ErrorIs(t, err, ErrTrashed)
	assert.True(t, c.Trash())
}

func TestReadCommandSetTripsAbuseBudget(t *testing.T) {
	c, client := newPipeConn(t)
	longKey := strings.Repeat("k", defaultCmdBudget+100)
	send(t, client, "set "+longKey+" 0 0 3\r\nbar\r\n")

	_, err := c.ReadCommand()
	assert.ErrorIs(t, err, ErrTrashed)
	assert.True(t, c.Trash())
}

func TestReadCommandDetectsBinaryMagicByte(t *testing.T) {
	c, client := newPipeConn(t)
	req := buildBinaryRequest(OpGet, nil, []byte("foo"), nil, 0, 0)
	go func() { _, _ = client.Write(req) }()

	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, ProtoBinary, c.Protocol())
	assert.Equal(t, CmdGet, cmd.Type)
	assert.Equal(t, "foo", string(cmd.Key))
}

func TestReadCommandBinarySetDecodesExtras(t *testing.T) {
	c, client := newPipeConn(t)
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], 77)  // flags
	binary.BigEndian.PutUint32(extras[4:8], 120) // exptime
	req := buildBinaryRequest(OpSet, extras, []byte("foo"), []byte("bar"), 0, 0)
	go func() { _, _ = client.Write(req) }()

	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdSet, cmd.Type)
	assert.Equal(t, uint32(77), cmd.Flags)
	assert.Equal(t, int64(120), cmd.ExpTime)
	assert.Equal(t, "foo", string(cmd.Key))
	assert.Equal(t, "bar", string(cmd.Value))
}

func TestReadCommandBinaryIncrDecodesDeltaExtras(t *testing.T) {
	c, client := newPipeConn(t)
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], 5)    // delta
	binary.BigEndian.PutUint64(extras[8:16], 100) // initial
	binary.BigEndian.PutUint32(extras[16:20], 0)  // exptime
	req := buildBinaryRequest(OpIncrement, extras, []byte("ctr"), nil, 0, 0)
	go func() { _, _ = client.Write(req) }()

	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdIncr, cmd.Type)
	assert.Equal(t, uint64(5), cmd.Delta)
	assert.Equal(t, uint64(100), cmd.Initial)
}

func TestReadCommandBinaryRejectsOversizedKey(t *testing.T) {
	c, client := newPipeConn(t)
	longKey := strings.Repeat("k", MaxKeyLen+1)
	req := buildBinaryRequest(OpGet, nil, []byte(longKey), nil, 0, 0)
	go func() { _, _ = client.Write(req) }()

	_, err := c.ReadCommand()
	assert.ErrorIs(t, err, ErrKeyTooLong)
}

func TestReadCommandBinaryRejectsShortStoreExtras(t *testing.T) {
	c, client := newPipeConn(t)
	extras := make([]byte, 4) // set wants 8 bytes of flags+exptime
	req := buildBinaryRequest(OpSet, extras, []byte("foo"), []byte("bar"), 0, 0)
	go func() { _, _ = client.Write(req) }()

	_, err := c.ReadCommand()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadCommandBinaryRejectsShortDeltaExtras(t *testing.T) {
	c, client := newPipeConn(t)
	extras := make([]byte, 8) // incr wants 20 bytes of delta+initial+exptime
	req := buildBinaryRequest(OpIncrement, extras, []byte("ctr"), nil, 0, 0)
	go func() { _, _ = client.Write(req) }()

	_, err := c.ReadCommand()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadCommandBinaryRejectsUnexpectedExtrasOnGet(t *testing.T) {
	c, client := newPipeConn(t)
	extras := make([]byte, 4) // get takes no extras
	req := buildBinaryRequest(OpGet, extras, []byte("foo"), nil, 0, 0)
	go func() { _, _ = client.Write(req) }()

	_, err := c.ReadCommand()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadCommandBinaryQuietOpcodeSetsNoreply(t *testing.T) {
	c, client := newPipeConn(t)
	req := buildBinaryRequest(OpGetQ, nil, []byte("foo"), nil, 0, 0)
	go func() { _, _ = client.Write(req) }()

	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.True(t, cmd.Noreply)
}

func TestReadCommandBadMagicTrashesConnection(t *testing.T) {
	c, client := newPipeConn(t)
	// A valid first request commits the connection to binary framing, so
	// the bad magic that follows is read as a binary header.
	good := buildBinaryRequest(OpGet, nil, []byte("foo"), nil, 0, 0)
	bad := make([]byte, headerLen)
	bad[0] = 0xff
	go func() { _, _ = client.Write(append(good, bad...)) }()

	_, err := c.ReadCommand()
	require.NoError(t, err)
	_, err = c.ReadCommand()
	assert.Error(t, err)
	assert.True(t, c.Trash())
}

func TestWriteBinaryReplyRoundTrip(t *testing.T) {
	c, client := newPipeConn(t)
	read := make(chan []byte, 1)
	go func() {
		var hdr [headerLen]byte
		if _, err := readFull(client, hdr[:]); err != nil {
			return
		}
		bodyLen := binary.BigEndian.Uint32(hdr[8:12])
		body := make([]byte, bodyLen)
		_, _ = readFull(client, body)
		read <- append(hdr[:], body...)
	}()

	require.NoError(t, c.WriteBinaryReply(OpGet, StatusNoError, 7, 99, nil, nil, []byte("hello")))
	require.NoError(t, c.Flush())

	select {
	case got := <-read:
		assert.Equal(t, byte(0x81), got[0])
		assert.Equal(t, byte(OpGet), got[1])
		assert.Equal(t, uint16(StatusNoError), binary.BigEndian.Uint16(got[6:8]))
		assert.Equal(t, uint32(7), binary.BigEndian.Uint32(got[12:16]))
		assert.Equal(t, uint64(99), binary.BigEndian.Uint64(got[16:24]))
		assert.Equal(t, "hello", string(got[headerLen:]))
	case <-time.After(2 * time.Second):
		t.Fatal("reply never arrived")
	}
}

// readFull is io.ReadFull without importing io just for this helper's sake
// in a test file that otherwise has no other use for it.
func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// buildBinaryRequest assembles a full binary request frame: 24-byte header
// followed by extras, key, value in that wire order (spec.md §6).
func buildBinaryRequest(op Opcode, extras, key, value []byte, opaque uint32, cas uint64) []byte {
	var hdr [headerLen]byte
	hdr[0] = magicRequest
	hdr[1] = byte(op)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(key)))
	hdr[4] = byte(len(extras))
	bodyLen := len(extras) + len(key) + len(value)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(hdr[12:16], opaque)
	binary.BigEndian.PutUint64(hdr[16:24], cas)

	out := append([]byte{}, hdr[:]...)
	out = append(out, extras...)
	out = append(out, key...)
	out = append(out, value...)
	return out
}
