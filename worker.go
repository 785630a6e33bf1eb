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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/urpc/uecho/internal/affinity"
	"github.com/urpc/uecho/internal/socket"
)

// runState is the stop signal shared by every worker and the control plane.
type runState struct {
	stop atomic.Bool
	once sync.Once
	done chan struct{}
}

func newRunState() *runState {
	return &runState{done: make(chan struct{})}
}

func (r *runState) shutdown() {
	r.once.Do(func() {
		r.stop.Store(true)
		close(r.done)
	})
}

func (r *runState) stopped() bool { return r.stop.Load() }

// workerConfig is the immutable configuration handed to every worker.
type workerConfig struct {
	shards      int
	bufferSize  int
	queueDepth  int
	pollTimeout time.Duration
	affinity    bool
	sendBuffer  int
	recvBuffer  int
	accel       Accelerator
}

// worker is one shard: a pinned OS thread owning a listener, an engine and
// every connection that listener accepted. Nothing in it is shared.
type worker struct {
	id     int
	cpu    int
	cfg    *workerConfig
	run    *runState
	ln     *listener
	stats  *Stats
	conns  *connTable
	engine engine
	log    zerolog.Logger
}

func newWorker(id int, cfg *workerConfig, run *runState, ln *listener, stats *Stats, backend Backend, log zerolog.Logger) (*worker, error) {
	w := &worker{
		id:    id,
		cpu:   affinity.ForShard(id),
		cfg:   cfg,
		run:   run,
		ln:    ln,
		stats: stats,
	}
	w.log = log.With().Int("worker", id).Int("cpu", w.cpu).Logger()
	w.conns = newConnTable(cfg.bufferSize, stats, cfg.accel, w.log)

	var err error
	if w.engine, err = newEngine(backend, w); nil != err {
		return nil, err
	}
	return w, nil
}

// serve runs the engine on a dedicated OS thread. The thread is never
// unlocked, so the runtime discards it once the worker exits.
func (w *worker) serve() error {
	runtime.LockOSThread()

	if w.cfg.affinity {
		if err := affinity.Pin(w.cpu); nil != err {
			w.log.Warn().Err(err).Msg("cpu pinning failed, running unpinned")
		}
	}

	w.log.Info().Str("addr", w.ln.laddr.String()).Msg("worker started")
	defer func() {
		w.close()
		w.log.Info().Msg("worker stopped")
	}()

	return w.engine.serve()
}

func (w *worker) close() {
	if nil != w.engine {
		if err := w.engine.close(); nil != err {
			w.log.Debug().Err(err).Msg("engine close")
		}
	}
	w.ln.close()
}

// tune applies per-connection socket options. Failures are not fatal to the
// connection.
func (w *worker) tune(fd int) {
	if err := socket.SetNoDelay(fd, true); nil != err {
		w.log.Debug().Err(err).Int("fd", fd).Msg("set TCP_NODELAY failed")
	}
	if w.cfg.sendBuffer > 0 {
		if err := socket.SetSendBuffer(fd, w.cfg.sendBuffer); nil != err {
			w.log.Debug().Err(err).Int("fd", fd).Msg("set SO_SNDBUF failed")
		}
	}
	if w.cfg.recvBuffer > 0 {
		if err := socket.SetRecvBuffer(fd, w.cfg.recvBuffer); nil != err {
			w.log.Debug().Err(err).Int("fd", fd).Msg("set SO_RCVBUF failed")
		}
	}
}
