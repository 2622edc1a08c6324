package executor

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voskan/memkv/internal/clock"
	"github.com/voskan/memkv/internal/conn"
	"github.com/voskan/memkv/internal/dispatch"
	"github.com/voskan/memkv/internal/epoch"
	"github.com/voskan/memkv/internal/partition"
)

// fakeTable is the minimal executor.Table backing needed to drive an
// Executor against a single, directly constructed partition, the same
// style internal/partition's own tests use to avoid depending on the root
// package (which itself imports internal/executor).
type fakeTable struct {
	p      *partition.Partition
	clk    *clock.Clock
	uptime time.Duration
}

func newFakeTable(t *testing.T) *fakeTable {
	t.Helper()
	clk := clock.New()
	mgr := epoch.NewManager(1, func(item any) { partition.Reclaim(item) })
	p := partition.New(partition.Config{
		Index:          0,
		PartBits:       0,
		InitialBuckets: 4,
		MaxBuckets:     64,
		EntryChunk:     8,
		Clock:          clk,
		Epoch:          mgr,
		WorkerID:       0,
		Strategy:       dispatch.Locking,
	})
	t.Cleanup(p.Close)
	return &fakeTable{p: p, clk: clk, uptime: 5 * time.Second}
}

func (f *fakeTable) PartitionFor(uint32) *partition.Partition    { return f.p }
func (f *fakeTable) Partitions() []*partition.Partition          { return []*partition.Partition{f.p} }
func (f *fakeTable) Clock() *clock.Clock                         { return f.clk }
func (f *fakeTable) Uptime() time.Duration                       { return f.uptime }

// newTestConn wires a conn.Connection to one end of a net.Pipe, returning
// it alongside a bufio.Reader on the peer end for reading replies.
func newTestConn(t *testing.T) (*conn.Connection, *bufio.Reader) {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() { server.Close(); peer.Close() })
	return conn.New(server, conn.Config{}), bufio.NewReader(peer)
}

// runAndReadLines executes cmd, flushes, and reads exactly n CRLF lines
// from the peer side, returning them as a slice, one element per line.
func runAndReadLines(t *testing.T, ex *Executor, c *conn.Connection, r *bufio.Reader, cmd *conn.Command, n int) []string {
	t.Helper()
	go func() {
		ex.Execute(c, cmd)
		_ = c.Flush()
	}()
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := readLineWithTimeout(r)
		require.NoError(t, err)
		lines = append(lines, line)
	}
	return lines
}

func readLineWithTimeout(r *bufio.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case res := <-ch:
		return res.line, res.err
	case <-time.After(2 * time.Second):
		return "", assertTimeoutErr
	}
}

var assertTimeoutErr = &timeoutErr{}

type timeoutErr struct{}

func (*timeoutErr) Error() string { return "timed out waiting for reply" }

func newExecutor(t *testing.T, ft *fakeTable) *Executor {
	return New(ft, 0, "test", nil)
}

func TestExecuteSetThenGet(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, r := newTestConn(t)

	setCmd := &conn.Command{Type: conn.CmdSet, Key: []byte("foo"), Value: []byte("bar"), Flags: 5}
	lines := runAndReadLines(t, ex, c, r, setCmd, 1)
	assert.Equal(t, "STORED\r\n", lines[0])

	getCmd := &conn.Command{Type: conn.CmdGet, Key: []byte("foo"), GetLast: true}
	lines = runAndReadLines(t, ex, c, r, getCmd, 3)
	assert.Equal(t, "VALUE foo 5 3\r\n", lines[0])
	assert.Equal(t, "bar\r\n", lines[1])
	assert.Equal(t, "END\r\n", lines[2])
}

func TestExecuteGetMissingKeyEndsImmediately(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, r := newTestConn(t)

	getCmd := &conn.Command{Type: conn.CmdGet, Key: []byte("nope"), GetLast: true}
	lines := runAndReadLines(t, ex, c, r, getCmd, 1)
	assert.Equal(t, "END\r\n", lines[0])
}

func TestExecuteAddTwiceYieldsNotStored(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, r := newTestConn(t)

	addCmd := &conn.Command{Type: conn.CmdAdd, Key: []byte("k"), Value: []byte("v1")}
	lines := runAndReadLines(t, ex, c, r, addCmd, 1)
	assert.Equal(t, "STORED\r\n", lines[0])

	addAgain := &conn.Command{Type: conn.CmdAdd, Key: []byte("k"), Value: []byte("v2")}
	lines = runAndReadLines(t, ex, c, r, addAgain, 1)
	assert.Equal(t, "NOT_STORED\r\n", lines[0])
}

func TestExecuteReplaceMissingYieldsNotStored(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, r := newTestConn(t)

	replaceCmd := &conn.Command{Type: conn.CmdReplace, Key: []byte("absent"), Value: []byte("v")}
	lines := runAndReadLines(t, ex, c, r, replaceCmd, 1)
	assert.Equal(t, "NOT_STORED\r\n", lines[0])
}

func TestExecuteCasMismatchThenSuccess(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, r := newTestConn(t)

	setCmd := &conn.Command{Type: conn.CmdSet, Key: []byte("k"), Value: []byte("v1")}
	runAndReadLines(t, ex, c, r, setCmd, 1)

	getsCmd := &conn.Command{Type: conn.CmdGet, Key: []byte("k"), GetLast: true, WantStamp: true}
	lines := runAndReadLines(t, ex, c, r, getsCmd, 3)
	// VALUE k 0 2 <stamp>\r\n
	var flags, length int
	var stamp uint64
	_, err := fmt.Sscanf(strings.TrimSpace(lines[0]), "VALUE k %d %d %d", &flags, &length, &stamp)
	require.NoError(t, err)

	badCas := &conn.Command{Type: conn.CmdCas, Key: []byte("k"), Value: []byte("v2"), Stamp: 999999}
	lines = runAndReadLines(t, ex, c, r, badCas, 1)
	assert.Equal(t, "EXISTS\r\n", lines[0])

	goodCas := &conn.Command{Type: conn.CmdCas, Key: []byte("k"), Value: []byte("v2"), Stamp: stamp}
	lines = runAndReadLines(t, ex, c, r, goodCas, 1)
	assert.Equal(t, "STORED\r\n", lines[0])
}

func TestExecuteIncrAndDecrWithClamp(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, r := newTestConn(t)

	setCmd := &conn.Command{Type: conn.CmdSet, Key: []byte("n"), Value: []byte("10")}
	runAndReadLines(t, ex, c, r, setCmd, 1)

	incr := &conn.Command{Type: conn.CmdIncr, Key: []byte("n"), Delta: 5}
	lines := runAndReadLines(t, ex, c, r, incr, 1)
	assert.Equal(t, "15\r\n", lines[0])

	decr := &conn.Command{Type: conn.CmdDecr, Key: []byte("n"), Delta: 1000}
	lines = runAndReadLines(t, ex, c, r, decr, 1)
	assert.Equal(t, "0\r\n", lines[0], "decr underflow clamps to 0")
}

func TestExecuteIncrNonNumericValue(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, r := newTestConn(t)

	setCmd := &conn.Command{Type: conn.CmdSet, Key: []byte("s"), Value: []byte("notanumber")}
	runAndReadLines(t, ex, c, r, setCmd, 1)

	incr := &conn.Command{Type: conn.CmdIncr, Key: []byte("s"), Delta: 1}
	lines := runAndReadLines(t, ex, c, r, incr, 1)
	assert.Equal(t, "CLIENT_ERROR cannot increment or decrement non-numeric value\r\n", lines[0])
}

func TestExecuteDeleteFoundAndMissing(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, r := newTestConn(t)

	setCmd := &conn.Command{Type: conn.CmdSet, Key: []byte("d"), Value: []byte("v")}
	runAndReadLines(t, ex, c, r, setCmd, 1)

	del := &conn.Command{Type: conn.CmdDelete, Key: []byte("d")}
	lines := runAndReadLines(t, ex, c, r, del, 1)
	assert.Equal(t, "DELETED\r\n", lines[0])

	delAgain := &conn.Command{Type: conn.CmdDelete, Key: []byte("d")}
	lines = runAndReadLines(t, ex, c, r, delAgain, 1)
	assert.Equal(t, "NOT_FOUND\r\n", lines[0])
}

func TestExecuteAppendPrepend(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, r := newTestConn(t)

	setCmd := &conn.Command{Type: conn.CmdSet, Key: []byte("ap"), Value: []byte("mid")}
	runAndReadLines(t, ex, c, r, setCmd, 1)

	appendCmd := &conn.Command{Type: conn.CmdAppend, Key: []byte("ap"), Value: []byte("-end")}
	lines := runAndReadLines(t, ex, c, r, appendCmd, 1)
	assert.Equal(t, "STORED\r\n", lines[0])

	prependCmd := &conn.Command{Type: conn.CmdPrepend, Key: []byte("ap"), Value: []byte("start-")}
	lines = runAndReadLines(t, ex, c, r, prependCmd, 1)
	assert.Equal(t, "STORED\r\n", lines[0])

	getCmd := &conn.Command{Type: conn.CmdGet, Key: []byte("ap"), GetLast: true}
	lines = runAndReadLines(t, ex, c, r, getCmd, 3)
	assert.Equal(t, "start-mid-end\r\n", lines[1])
}

func TestExecuteFlushAllHidesExistingKeys(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, r := newTestConn(t)

	setCmd := &conn.Command{Type: conn.CmdSet, Key: []byte("f"), Value: []byte("v")}
	runAndReadLines(t, ex, c, r, setCmd, 1)

	flush := &conn.Command{Type: conn.CmdFlushAll}
	lines := runAndReadLines(t, ex, c, r, flush, 1)
	assert.Equal(t, "OK\r\n", lines[0])

	getCmd := &conn.Command{Type: conn.CmdGet, Key: []byte("f"), GetLast: true}
	lines = runAndReadLines(t, ex, c, r, getCmd, 1)
	assert.Equal(t, "END\r\n", lines[0])
}

func TestExecuteNoreplySuppressesReply(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, _ := newTestConn(t)

	setCmd := &conn.Command{Type: conn.CmdSet, Key: []byte("nr"), Value: []byte("v"), Noreply: true}
	outcome := ex.Execute(c, setCmd)
	assert.Equal(t, Continue, outcome)
	require.NoError(t, c.Flush())
	// No peer read here: a noreply command must never block on Flush.
}

func TestExecuteQuitReturnsQuitOutcome(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, _ := newTestConn(t)

	outcome := ex.Execute(c, &conn.Command{Type: conn.CmdQuit})
	assert.Equal(t, Quit, outcome)
}

func TestExecuteVersionReportsConfiguredString(t *testing.T) {
	ft := newFakeTable(t)
	ex := New(ft, 0, "9.9.9", nil)
	c, r := newTestConn(t)

	lines := runAndReadLines(t, ex, c, r, &conn.Command{Type: conn.CmdVersion}, 1)
	assert.Equal(t, "VERSION 9.9.9\r\n", lines[0])
}

func TestExecuteUnknownCommandIsError(t *testing.T) {
	ft := newFakeTable(t)
	ex := newExecutor(t, ft)
	c, r := newTestConn(t)

	lines := runAndReadLines(t, ex, c, r, &conn.Command{Type: conn.CmdUnknown}, 1)
	assert.Equal(t, "ERROR\r\n", lines[0])
}
