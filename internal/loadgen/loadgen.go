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

// Package loadgen drives an echo server with a fixed set of connections, each
// sending a payload and verifying its echo before the next round.
package loadgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrMismatch reports an echo that differs from what was sent.
var ErrMismatch = errors.New("loadgen: echo mismatch")

// Config describes one run. Rounds and Duration are alternatives: a positive
// Duration wins, otherwise every connection performs Rounds exchanges.
type Config struct {
	Addr        string
	Connections int
	Rounds      int
	Size        int
	QPS         int // 0 is unlimited; spread evenly across connections
	Duration    time.Duration
	DialTimeout time.Duration
	Log         zerolog.Logger
}

const (
	DefaultConnections = 10
	DefaultRounds      = 100000
	DefaultSize        = 64
	MaxSize            = 65536
	MaxConnections     = 10000
)

func (c *Config) setDefaults() {
	if c.Connections == 0 {
		c.Connections = DefaultConnections
	}
	if c.Size == 0 {
		c.Size = DefaultSize
	}
	if c.Rounds == 0 && c.Duration == 0 {
		c.Rounds = DefaultRounds
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Validate checks the ranges of a Config after defaults were applied.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("loadgen: empty address")
	case c.Connections < 1 || c.Connections > MaxConnections:
		return fmt.Errorf("loadgen: connections must be within 1-%d", MaxConnections)
	case c.Size < 1 || c.Size > MaxSize:
		return fmt.Errorf("loadgen: size must be within 1-%d bytes", MaxSize)
	case c.Rounds < 0:
		return errors.New("loadgen: rounds must be >= 0")
	case c.QPS < 0:
		return errors.New("loadgen: qps must be >= 0")
	case c.Duration < 0:
		return errors.New("loadgen: duration must be >= 0")
	}
	return nil
}

// Result summarises a run.
type Result struct {
	Connections    int           `json:"connections"`
	Size           int           `json:"send_size"`
	Success        int64         `json:"success"`
	Failed         int64         `json:"failed"`
	Elapsed        time.Duration `json:"-"`
	ElapsedSec     float64       `json:"elapsed_sec"`
	QPS            float64       `json:"qps"`
	LatencyUS      float64       `json:"latency_us"`
	ThroughputMbps float64       `json:"throughput_mbps"`
}

type client struct {
	id   int
	conn net.Conn
	send []byte
	recv []byte
}

// Run dials every connection, then exchanges payloads until the configured
// rounds or duration are done, ctx is cancelled or an exchange fails.
// A cancelled ctx is not an error; the result covers what completed.
func Run(ctx context.Context, cfg Config) (Result, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	clients, err := dialAll(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		for _, c := range clients {
			_ = c.conn.Close()
		}
	}()

	cfg.Log.Info().
		Str("addr", cfg.Addr).
		Int("connections", cfg.Connections).
		Int("rounds", cfg.Rounds).
		Int("size", cfg.Size).
		Int("qps", cfg.QPS).
		Dur("duration", cfg.Duration).
		Msg("benchmark started")

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	var success, failed, busy atomic.Int64
	g, gctx := errgroup.WithContext(ctx)

	start := time.Now()
	for _, c := range clients {
		g.Go(func() error {
			// unblock reads and writes once the run is over.
			stop := context.AfterFunc(gctx, func() { _ = c.conn.SetDeadline(time.Now()) })
			defer stop()

			lim := clientLimiter(cfg)
			for round := 0; cfg.Duration > 0 || round < cfg.Rounds; round++ {
				if gctx.Err() != nil {
					return nil
				}
				if lim != nil {
					if err := lim.Wait(gctx); err != nil {
						return nil
					}
				}

				begin := time.Now()
				if err := c.exchange(); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					failed.Add(1)
					return fmt.Errorf("connection %d round %d: %w", c.id, round, err)
				}
				busy.Add(int64(time.Since(begin)))
				success.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	res := summarize(cfg, success.Load(), failed.Load(), time.Duration(busy.Load()), time.Since(start))
	cfg.Log.Info().
		Int64("success", res.Success).
		Int64("failed", res.Failed).
		Float64("qps", res.QPS).
		Float64("latency_us", res.LatencyUS).
		Msg("benchmark finished")
	return res, err
}

// clientLimiter splits the QPS target evenly across connections. A burst of
// one keeps a client that fell behind from catching up all at once. It returns
// nil when the run is unpaced.
func clientLimiter(cfg Config) *rate.Limiter {
	if cfg.QPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(cfg.QPS)/float64(cfg.Connections)), 1)
}

func dialAll(ctx context.Context, cfg Config) ([]*client, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	clients := make([]*client, 0, cfg.Connections)

	for i := 0; i < cfg.Connections; i++ {
		conn, err := d.DialContext(ctx, "tcp4", cfg.Addr)
		if err != nil {
			for _, c := range clients {
				_ = c.conn.Close()
			}
			return nil, fmt.Errorf("loadgen: dial connection %d: %w", i, err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		c := &client{id: i, conn: conn, send: make([]byte, cfg.Size), recv: make([]byte, cfg.Size)}
		for j := range c.send {
			c.send[j] = 'A' + byte(i%26)
		}
		clients = append(clients, c)
		cfg.Log.Debug().Int("connection", i).Msg("connected")
	}
	return clients, nil
}

// exchange sends the payload in full, reads the same number of bytes back
// and compares them.
func (c *client) exchange() error {
	if _, err := c.conn.Write(c.send); err != nil {
		return err
	}
	if _, err := io.ReadFull(c.conn, c.recv); err != nil {
		return err
	}
	if !bytes.Equal(c.send, c.recv) {
		return ErrMismatch
	}
	return nil
}

// summarize derives rates from raw counts. Latency is the mean time of one
// exchange as seen by a single connection.
func summarize(cfg Config, success, failed int64, busy, elapsed time.Duration) Result {
	res := Result{
		Connections: cfg.Connections,
		Size:        cfg.Size,
		Success:     success,
		Failed:      failed,
		Elapsed:     elapsed,
		ElapsedSec:  elapsed.Seconds(),
	}
	if sec := elapsed.Seconds(); sec > 0 {
		res.QPS = float64(success) / sec
		res.ThroughputMbps = float64(success) * float64(cfg.Size) * 8 / (sec * 1e6)
	}
	if success > 0 {
		res.LatencyUS = float64(busy.Microseconds()) / float64(success)
	}
	return res
}
