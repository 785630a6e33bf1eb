/*
 * Copyright 2024 the urpc project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package uecho

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by Serve after Shutdown or a previous Serve.
var ErrServerClosed = errors.New("uecho: server closed")

// Server is a thread-per-core TCP echo server. Each worker owns a
// SO_REUSEPORT listener, an I/O engine and its connections; workers share
// nothing but the stop flag.
type Server struct {
	workers []*worker
	stats   []Stats
	run     *runState
	ctl     *controlPlane
	start   time.Time
	addr    *net.TCPAddr
	log     zerolog.Logger
	mux     sync.Mutex
	served  bool

	// Workers is the number of shards. The default value is runtime.NumCPU().
	Workers int

	// Addr is the listen address, "host:port" or "tcp4://host:port".
	// Port 0 picks a free port once and binds every worker to it.
	// The default value is ":8888".
	Addr string

	// Backend selects the I/O engine. The default value is BackendEpoll.
	Backend Backend

	// QueueDepth is the io_uring submission queue depth. The default value is 4096.
	QueueDepth int

	// BufferSize is the per-connection echo buffer. The default value is 4KB.
	BufferSize int

	// Backlog is the listen backlog of every worker. The default value is 4096.
	Backlog int

	// SendBuffer and RecvBuffer set SO_SNDBUF and SO_RCVBUF on accepted
	// connections. Zero keeps the kernel defaults.
	SendBuffer int
	RecvBuffer int

	// PollTimeout bounds each wait so workers observe shutdown.
	// The default value is 1s.
	PollTimeout time.Duration

	// ControlAddr is the path of the control socket; empty disables it.
	ControlAddr string

	// NoAffinity leaves worker threads unpinned.
	NoAffinity bool

	// Accelerator, when set, is told about every accepted connection.
	Accelerator Accelerator

	// Sampler provides process metrics for Stats. The default reads procfs.
	Sampler Sampler

	// Logger receives server logs. The default writes JSON to stderr.
	Logger *zerolog.Logger

	// OnStart it triggers once every worker is bound, before they run.
	OnStart func(s *Server)

	// OnStop it triggers after every worker exited.
	OnStop func(s *Server)
}

// Serve binds all workers, runs them until Shutdown or a fatal worker error
// and returns after every worker exited.
func (s *Server) Serve() (err error) {
	// initialize server
	if err = s.initServer(); nil != err {
		return err
	}

	// trigger OnStart event.
	if s.OnStart != nil {
		s.OnStart(s)
	}

	defer func() {
		// trigger OnStop event.
		if s.OnStop != nil {
			s.OnStop(s)
		}
	}()

	if nil != s.ctl {
		go s.ctl.serve()
	}

	s.log.Info().
		Str("addr", s.addr.String()).
		Int("workers", len(s.workers)).
		Stringer("backend", s.Backend).
		Msg("server started")

	var g errgroup.Group
	for _, w := range s.workers {
		g.Go(func() error {
			if err := w.serve(); nil != err {
				w.log.Error().Err(err).Msg("worker failed")
				s.run.shutdown()
				return fmt.Errorf("worker %d: %w", w.id, err)
			}
			return nil
		})
	}
	err = g.Wait()

	s.run.shutdown()
	if nil != s.ctl {
		s.ctl.close()
	}

	s.log.Info().Msg("server stopped")
	return err
}

// Shutdown asks every worker to stop. Workers observe it within one
// PollTimeout; Serve returns once they all exited.
func (s *Server) Shutdown() {
	s.mux.Lock()
	if nil == s.run {
		s.run = newRunState()
	}
	run := s.run
	s.mux.Unlock()

	run.shutdown()
}

// Done is closed once Shutdown was requested.
func (s *Server) Done() <-chan struct{} {
	s.mux.Lock()
	if nil == s.run {
		s.run = newRunState()
	}
	run := s.run
	s.mux.Unlock()

	return run.done
}

// LocalAddr returns the resolved listen address, nil before Serve bound it.
func (s *Server) LocalAddr() net.Addr {
	s.mux.Lock()
	defer s.mux.Unlock()
	if nil == s.addr {
		return nil
	}
	return s.addr
}

// NumWorkers returns the number of running workers.
func (s *Server) NumWorkers() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.workers)
}

// Stats aggregates every worker's counters and samples the process.
func (s *Server) Stats() Snapshot {
	s.mux.Lock()
	blocks, start := s.stats, s.start
	s.mux.Unlock()

	snap := Snapshot{
		Mode:    s.Backend.String(),
		Workers: len(blocks),
	}
	if !start.IsZero() {
		snap.Uptime = time.Since(start)
	}
	snap.Total, snap.PerWorker = aggregate(blocks)

	if nil != s.Sampler {
		snap.System, snap.SystemErr = s.Sampler.Sample()
	}

	if nil != s.Accelerator {
		if st, err := s.Accelerator.Stats(); nil == err {
			snap.Accelerator = &st
		}
	}
	return snap
}

func (s *Server) initServer() (err error) {

	s.mux.Lock()
	defer s.mux.Unlock()

	if nil == s.run {
		s.run = newRunState()
	}
	if s.served || s.run.stopped() {
		return ErrServerClosed
	}
	s.served = true

	// init configs.
	s.initConfig()

	// init workers.
	if err = s.initWorkers(); nil != err {
		s.closeWorkers()
		return err
	}

	// init control plane.
	if "" != s.ControlAddr {
		if s.ctl, err = newControlPlane(s, s.ControlAddr, s.log); nil != err {
			s.closeWorkers()
			return err
		}
	}

	s.start = time.Now()
	return nil
}

func (s *Server) initConfig() {

	if s.Workers <= 0 {
		s.Workers = runtime.NumCPU()
	}

	if "" == s.Addr {
		s.Addr = ":8888"
	}

	if s.QueueDepth <= 0 {
		s.QueueDepth = 4096
	}

	if s.BufferSize <= 0 {
		s.BufferSize = 1024 * 4
	}

	if s.Backlog <= 0 {
		s.Backlog = 4096
	}

	if s.PollTimeout <= 0 {
		s.PollTimeout = time.Second
	}

	if nil == s.Sampler {
		s.Sampler = NewProcessSampler()
	}

	if nil != s.Logger {
		s.log = *s.Logger
	} else {
		s.log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func (s *Server) initWorkers() error {
	cfg := &workerConfig{
		shards:      s.Workers,
		bufferSize:  s.BufferSize,
		queueDepth:  s.QueueDepth,
		pollTimeout: s.PollTimeout,
		affinity:    !s.NoAffinity,
		sendBuffer:  s.SendBuffer,
		recvBuffer:  s.RecvBuffer,
		accel:       s.Accelerator,
	}

	s.stats = make([]Stats, s.Workers)
	s.workers = make([]*worker, 0, s.Workers)

	addr := s.Addr
	for id := 0; id < s.Workers; id++ {
		ln, err := listen(addr, s.Backlog)
		if nil != err {
			return fmt.Errorf("uecho: worker %d listen %s: %w", id, addr, err)
		}

		if 0 == id {
			// later workers join the port the first one resolved.
			s.addr = ln.laddr
			addr = ln.laddr.String()
		}

		w, err := newWorker(id, cfg, s.run, ln, &s.stats[id], s.Backend, s.log)
		if nil != err {
			ln.close()
			return fmt.Errorf("uecho: worker %d: %w", id, err)
		}
		s.workers = append(s.workers, w)
	}
	return nil
}

func (s *Server) closeWorkers() {
	for _, w := range s.workers {
		w.close()
	}
	s.workers = nil
}
