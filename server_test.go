package uecho

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backends = []Backend{BackendEpoll, BackendUring}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	for _, b := range backends {
		t.Run(b.String(), func(t *testing.T) { fn(t, b) })
	}
}

type runningServer struct {
	*Server
	errc chan error
}

func startServer(t *testing.T, b Backend, opts ...func(*Server)) *runningServer {
	t.Helper()

	log := zerolog.Nop()
	s := &Server{
		Workers:     2,
		Addr:        "127.0.0.1:0",
		Backend:     b,
		QueueDepth:  256,
		PollTimeout: 50 * time.Millisecond,
		NoAffinity:  true,
		Logger:      &log,
	}
	for _, opt := range opts {
		opt(s)
	}

	started := make(chan struct{})
	s.OnStart = func(*Server) { close(started) }

	rs := &runningServer{Server: s, errc: make(chan error, 1)}
	go func() { rs.errc <- s.Serve() }()

	select {
	case <-started:
	case err := <-rs.errc:
		if errors.Is(err, ErrUnsupportedBackend) {
			t.Skipf("%v backend unavailable: %v", b, err)
		}
		t.Fatalf("serve: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	t.Cleanup(func() { rs.stop(t) })
	return rs
}

// stop shuts the server down and waits for Serve to return.
func (rs *runningServer) stop(t *testing.T) {
	t.Helper()
	rs.Shutdown()
	select {
	case err, ok := <-rs.errc:
		if ok {
			assert.NoError(t, err)
			close(rs.errc)
		}
	case <-time.After(5 * time.Second):
		t.Error("server did not stop")
	}
}

func (rs *runningServer) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp4", rs.LocalAddr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

// roundTrip writes p and reads the same number of bytes back. The write runs
// concurrently because the echo of a large payload cannot fit into socket
// buffers on its own.
func roundTrip(t *testing.T, c net.Conn, p []byte) []byte {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))

	werr := make(chan error, 1)
	go func() {
		_, err := c.Write(p)
		werr <- err
	}()

	got := make([]byte, len(p))
	_, err := io.ReadFull(c, got)
	require.NoError(t, err)
	require.NoError(t, <-werr)
	return got
}

func TestServer_EchoSizes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		rs := startServer(t, b)

		for _, n := range []int{1, 100, 4095, 4096, 4097, 65536} {
			c := rs.dial(t)
			p := payload(n, byte(n))
			assert.True(t, bytes.Equal(p, roundTrip(t, c, p)), "size %d", n)
		}
	})
}

func TestServer_RepeatedExchanges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		rs := startServer(t, b)
		c := rs.dial(t)

		for i := 0; i < 50; i++ {
			p := []byte(fmt.Sprintf("message %d", i))
			assert.Equal(t, p, roundTrip(t, c, p))
		}

		require.Eventually(t, func() bool {
			snap := rs.Stats()
			return snap.Total.BytesReceived == snap.Total.BytesSent && snap.Total.BytesSent > 0
		}, 2*time.Second, 10*time.Millisecond)
		assert.GreaterOrEqual(t, rs.Stats().Total.Requests, int64(1))
	})
}

func TestServer_NoCrossTalk(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		rs := startServer(t, b)

		const clients = 16
		var wg sync.WaitGroup
		for i := 0; i < clients; i++ {
			c := rs.dial(t)
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for round := 0; round < 20; round++ {
					p := payload(1000+id*37, byte(id))
					if got := roundTrip(t, c, p); !bytes.Equal(p, got) {
						t.Errorf("client %d round %d: mismatched echo", id, round)
						return
					}
				}
			}(i)
		}
		wg.Wait()
	})
}

func TestServer_ActiveConnections(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		rs := startServer(t, b)

		const opened, closed = 8, 3
		var conns []net.Conn
		for i := 0; i < opened; i++ {
			c := rs.dial(t)
			roundTrip(t, c, []byte("ping"))
			conns = append(conns, c)
		}
		for _, c := range conns[:closed] {
			require.NoError(t, c.Close())
		}

		require.Eventually(t, func() bool {
			tot := rs.Stats().Total
			return tot.TotalConnections == opened && tot.ActiveConnections == opened-closed
		}, 3*time.Second, 10*time.Millisecond)
	})
}

func TestServer_SlowReader(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		rs := startServer(t, b, func(s *Server) {
			s.BufferSize = 1024
			s.SendBuffer = 4096
		})

		c := rs.dial(t).(*net.TCPConn)
		require.NoError(t, c.SetReadBuffer(4096))
		require.NoError(t, c.SetDeadline(time.Now().Add(20*time.Second)))

		p := payload(1<<20, 3)
		werr := make(chan error, 1)
		go func() {
			_, err := c.Write(p)
			werr <- err
		}()

		// let the server back up against the full receive window.
		time.Sleep(200 * time.Millisecond)

		got := make([]byte, len(p))
		_, err := io.ReadFull(c, got)
		require.NoError(t, err)
		require.NoError(t, <-werr)
		assert.True(t, bytes.Equal(p, got))
	})
}

func TestServer_PeerResetMidWrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		rs := startServer(t, b)

		c := rs.dial(t).(*net.TCPConn)
		require.NoError(t, c.SetReadBuffer(4096))
		require.NoError(t, c.SetWriteDeadline(time.Now().Add(500*time.Millisecond)))
		// the write stalls once both windows are full.
		_, _ = c.Write(payload(256<<10, 1))
		require.NoError(t, c.SetLinger(0))
		require.NoError(t, c.Close())

		require.Eventually(t, func() bool {
			return rs.Stats().Total.ActiveConnections == 0
		}, 3*time.Second, 10*time.Millisecond)

		// other clients are unaffected.
		p := []byte("still alive")
		assert.Equal(t, p, roundTrip(t, rs.dial(t), p))
	})
}

func TestServer_StatsBeforeTraffic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		rs := startServer(t, b)

		snap := rs.Stats()
		assert.Equal(t, b.String(), snap.Mode)
		assert.Equal(t, 2, snap.Workers)
		assert.Len(t, snap.PerWorker, 2)
		assert.Equal(t, Counters{}, snap.Total)
		assert.GreaterOrEqual(t, snap.Uptime, time.Duration(0))
		assert.NoError(t, snap.SystemErr)
		assert.Greater(t, snap.System.OSThreads, int64(0))
	})
}

func TestServer_ShutdownWithOpenConnections(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		rs := startServer(t, b)

		var conns []net.Conn
		for i := 0; i < 4; i++ {
			c := rs.dial(t)
			roundTrip(t, c, []byte("x"))
			conns = append(conns, c)
		}

		begin := time.Now()
		rs.stop(t)
		assert.Less(t, time.Since(begin), 2*time.Second)

		// clients see their connection go away.
		for _, c := range conns {
			require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, err := c.Read(make([]byte, 1))
			assert.Error(t, err)
		}
	})
}

func TestServer_NoAcceptAfterShutdown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		rs := startServer(t, b)
		addr := rs.LocalAddr().String()
		roundTrip(t, rs.dial(t), []byte("x"))

		rs.stop(t)

		c, err := net.DialTimeout("tcp4", addr, time.Second)
		if err == nil {
			_ = c.Close()
		}
		assert.Error(t, err, "listener must be gone once Serve returns")
	})
}

func TestServer_SubmissionBacklog(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		rs := startServer(t, b, func(s *Server) {
			s.Workers = 1
			s.QueueDepth = 1
			s.PollTimeout = time.Second
		})

		const clients = 8
		conns := make([]net.Conn, clients)
		for i := range conns {
			conns[i] = rs.dial(t)
		}

		for round := 0; round < 3; round++ {
			var (
				wg    sync.WaitGroup
				mux   sync.Mutex
				worst time.Duration
			)
			for i, c := range conns {
				wg.Add(1)
				go func(id int, c net.Conn) {
					defer wg.Done()
					p := []byte(fmt.Sprintf("ping-%d-%d", round, id))
					begin := time.Now()
					got := roundTrip(t, c, p)
					took := time.Since(begin)
					assert.Equal(t, p, got)

					mux.Lock()
					worst = max(worst, took)
					mux.Unlock()
				}(i, c)
			}
			wg.Wait()
			assert.Less(t, worst, 500*time.Millisecond, "round %d", round)
		}
	})
}

func TestServer_DefaultWorkers(t *testing.T) {
	rs := startServer(t, BackendEpoll, func(s *Server) { s.Workers = 0 })
	assert.Equal(t, runtime.NumCPU(), rs.NumWorkers())
	assert.Equal(t, runtime.NumCPU(), rs.Stats().Workers)
}

func TestServer_PinnedWorkers(t *testing.T) {
	rs := startServer(t, BackendEpoll, func(s *Server) { s.NoAffinity = false })
	p := []byte("pinned")
	assert.Equal(t, p, roundTrip(t, rs.dial(t), p))
}

func TestServer_Accelerator(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		accel := newRecordAccelerator()
		rs := startServer(t, b, func(s *Server) { s.Accelerator = accel })

		for i := 0; i < 3; i++ {
			c := rs.dial(t)
			roundTrip(t, c, []byte("hi"))
			require.NoError(t, c.Close())
		}

		require.Eventually(t, func() bool {
			registered, released := accel.counts()
			return registered == 3 && released == 3
		}, 3*time.Second, 10*time.Millisecond)
		assert.NotNil(t, rs.Stats().Accelerator)
	})
}

func TestServer_ControlPlane(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		path := controlPath(t)
		rs := startServer(t, b, func(s *Server) { s.ControlAddr = path })

		roundTrip(t, rs.dial(t), []byte("hello"))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		reply, err := Command(ctx, path, "stats")
		require.NoError(t, err)

		var st statsReply
		require.NoError(t, json.Unmarshal(reply, &st))
		assert.Equal(t, b.String(), st.Mode)
		assert.Equal(t, 2, st.Workers)
		assert.Equal(t, int64(1), st.Connections.Total)
		assert.Equal(t, int64(5), st.Traffic.BytesRecv)

		_, err = Command(ctx, path, "shutdown")
		require.NoError(t, err)

		select {
		case err = <-rs.errc:
			assert.NoError(t, err)
			close(rs.errc)
		case <-time.After(2 * time.Second):
			t.Fatal("shutdown command did not stop the server")
		}
	})
}

func TestServer_ServeAfterShutdown(t *testing.T) {
	log := zerolog.Nop()
	s := &Server{Addr: "127.0.0.1:0", Workers: 1, Logger: &log}
	s.Shutdown()
	assert.ErrorIs(t, s.Serve(), ErrServerClosed)
}

func TestServer_ServeTwice(t *testing.T) {
	rs := startServer(t, BackendEpoll)
	assert.ErrorIs(t, rs.Serve(), ErrServerClosed)
}

func TestServer_BindFailure(t *testing.T) {
	log := zerolog.Nop()
	s := &Server{Addr: "udp://127.0.0.1:0", Workers: 1, Logger: &log}
	assert.Error(t, s.Serve())

	s = &Server{Addr: "256.0.0.1:0", Workers: 1, Logger: &log}
	assert.Error(t, s.Serve())
}

func TestServer_SharedPort(t *testing.T) {
	rs := startServer(t, BackendEpoll, func(s *Server) { s.Workers = 4 })

	addr := rs.LocalAddr().(*net.TCPAddr)
	assert.NotZero(t, addr.Port)
	for _, w := range rs.workers {
		assert.Equal(t, addr.Port, w.ln.laddr.Port)
	}
}
