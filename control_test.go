package uecho

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSampler struct{ s ResourceSample }

func (f staticSampler) Sample() (ResourceSample, error) { return f.s, nil }

func controlPath(t *testing.T) string {
	t.Helper()
	// unix socket paths are limited to 108 bytes.
	dir, err := os.MkdirTemp("", "uecho")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

func startControl(t *testing.T, srv *Server) (*controlPlane, string) {
	t.Helper()
	path := controlPath(t)
	cp, err := newControlPlane(srv, path, zerolog.Nop())
	require.NoError(t, err)
	go cp.serve()
	t.Cleanup(cp.close)
	return cp, path
}

func newIdleServer() *Server {
	s := &Server{
		run:     newRunState(),
		stats:   make([]Stats, 2),
		start:   time.Now(),
		Backend: BackendEpoll,
		Sampler: staticSampler{ResourceSample{CPUPercent: 12.5, RSSMB: 3, OSThreads: 7}},
	}
	s.stats[0].connOpened()
	s.stats[1].connOpened()
	s.stats[1].received(5)
	s.stats[1].sent(5)
	return s
}

func TestControl_Stats(t *testing.T) {
	srv := newIdleServer()
	_, path := startControl(t, srv)

	reply, err := Command(context.Background(), path, "stats")
	require.NoError(t, err)

	var got statsReply
	require.NoError(t, json.Unmarshal(reply, &got))
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, "epoll", got.Mode)
	assert.Greater(t, got.UptimeSec, 0.0)
	assert.Equal(t, 2, got.Workers)
	assert.Equal(t, connectionsReply{Total: 2, Active: 2}, got.Connections)
	assert.Equal(t, trafficReply{Requests: 1, BytesRecv: 5, BytesSent: 5}, got.Traffic)
	assert.Equal(t, 12.5, got.System.CPUPercent)
	assert.Equal(t, 3.0, got.System.MemoryRSSMB)
	assert.Equal(t, 2, got.System.Threads)
	assert.Equal(t, int64(7), got.System.OSThreads)
	assert.Nil(t, got.Accelerator)
	assert.False(t, srv.run.stopped())
}

func TestControl_StatsWithAccelerator(t *testing.T) {
	srv := newIdleServer()
	srv.Accelerator = newRecordAccelerator()
	_, path := startControl(t, srv)

	reply, err := Command(context.Background(), path, "stats")
	require.NoError(t, err)
	assert.Contains(t, string(reply), `"accelerator":{"redirected":0`)
}

func TestControl_UnknownCommand(t *testing.T) {
	srv := newIdleServer()
	_, path := startControl(t, srv)

	for _, cmd := range []string{"reboot", "STATS", ""} {
		reply, err := Command(context.Background(), path, cmd)
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"error":"unknown_command","cmd":%q}`, cmd), string(reply), cmd)
	}
	assert.False(t, srv.run.stopped())
}

func TestControl_Shutdown(t *testing.T) {
	srv := newIdleServer()
	cp, path := startControl(t, srv)

	reply, err := Command(context.Background(), path, "shutdown")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"shutting_down"}`, string(reply))
	assert.True(t, srv.run.stopped())

	select {
	case <-cp.done:
	case <-time.After(2 * time.Second):
		t.Fatal("control loop still running after shutdown")
	}
	select {
	case <-srv.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestControl_SequentialClients(t *testing.T) {
	srv := newIdleServer()
	_, path := startControl(t, srv)

	for i := 0; i < 5; i++ {
		reply, err := Command(context.Background(), path, "stats")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(reply), `{"status":"running"`))
	}
}

func TestControl_ClientWithoutNewline(t *testing.T) {
	srv := newIdleServer()
	_, path := startControl(t, srv)

	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("stats"))
	require.NoError(t, err)
	require.NoError(t, c.(*net.UnixConn).CloseWrite())

	var got statsReply
	require.NoError(t, json.NewDecoder(c).Decode(&got))
	assert.Equal(t, "running", got.Status)
}

func TestControl_SocketMode(t *testing.T) {
	_, path := startControl(t, newIdleServer())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestControl_RemovesStaleSocket(t *testing.T) {
	path := controlPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cp, err := newControlPlane(newIdleServer(), path, zerolog.Nop())
	require.NoError(t, err)
	go cp.serve()
	cp.close()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// failingListener fails every Accept with err until it is closed.
type failingListener struct {
	err error

	mux    sync.Mutex
	calls  []time.Time
	closed bool
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.calls = append(l.calls, time.Now())
	if l.closed {
		return nil, net.ErrClosed
	}
	return nil, l.err
}

func (l *failingListener) Close() error {
	l.mux.Lock()
	l.closed = true
	l.mux.Unlock()
	return nil
}

func (l *failingListener) Addr() net.Addr { return &net.UnixAddr{Name: "fake", Net: "unix"} }

func (l *failingListener) attempts() []time.Time {
	l.mux.Lock()
	defer l.mux.Unlock()
	return append([]time.Time(nil), l.calls...)
}

func TestControl_AcceptErrorBackoff(t *testing.T) {
	ln := &failingListener{err: fmt.Errorf("accept: too many open files")}
	cp := &controlPlane{
		srv:  newIdleServer(),
		ln:   ln,
		path: controlPath(t),
		log:  zerolog.Nop(),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go cp.serve()

	time.Sleep(200 * time.Millisecond)
	begin := time.Now()
	cp.close()
	assert.Less(t, time.Since(begin), 100*time.Millisecond, "close must interrupt the retry wait")

	// 10ms, 20ms, 40ms, 80ms... leaves room for only a handful of retries.
	calls := ln.attempts()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.LessOrEqual(t, len(calls), 6)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), minAcceptBackoff)
	}
}

func TestReadCommand(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "stats\n", want: "stats"},
		{in: "  shutdown \r\n", want: "shutdown"},
		{in: "stats", want: "stats"},
		{in: "stats\nshutdown\n", want: "stats"},
		{in: "", err: true},
		{in: strings.Repeat("x", 1000), want: strings.Repeat("x", maxCommandLen)},
	}
	for _, tc := range cases {
		got, err := readCommand(strings.NewReader(tc.in))
		if tc.err {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestCommand_NoServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Command(ctx, controlPath(t), "stats")
	assert.Error(t, err)
}
