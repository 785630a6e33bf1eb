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

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/rs/zerolog"
	"github.com/urpc/uecho"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	var (
		addr        = flag.String("addr", ":8888", "listen address")
		workers     = flag.Int("workers", 0, "number of workers, 0 for one per CPU")
		backend     = flag.String("backend", "epoll", "I/O backend: epoll or io_uring")
		queueDepth  = flag.Int("queue-depth", 4096, "io_uring submission queue depth")
		bufferSize  = flag.Int("buffer-size", 4096, "per-connection echo buffer in bytes")
		backlog     = flag.Int("backlog", 4096, "listen backlog")
		sndbuf      = flag.Int("sndbuf", 0, "SO_SNDBUF of accepted sockets, 0 for the kernel default")
		rcvbuf      = flag.Int("rcvbuf", 0, "SO_RCVBUF of accepted sockets, 0 for the kernel default")
		pollTimeout = flag.Duration("poll-timeout", time.Second, "upper bound of one wait")
		control     = flag.String("control", "/tmp/uecho.sock", "control socket path, empty to disable")
		sockmapObj  = flag.String("sockmap", "", "sockmap BPF object to load, empty to disable")
		noAffinity  = flag.Bool("no-affinity", false, "do not pin workers to CPUs")
		level       = flag.String("log-level", "info", "log level")
		pretty      = flag.Bool("pretty", false, "human readable console logs")
	)
	flag.Parse()

	log := newLogger(*level, *pretty)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("failed to apply container CPU quota")
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9), memlimit.WithProvider(memlimit.FromCgroup)); err != nil {
		log.Debug().Err(err).Msg("no cgroup memory limit applied")
	}

	mode, err := uecho.ParseBackend(*backend)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid backend")
	}

	srv := &uecho.Server{
		Workers:     *workers,
		Addr:        *addr,
		Backend:     mode,
		QueueDepth:  *queueDepth,
		BufferSize:  *bufferSize,
		Backlog:     *backlog,
		SendBuffer:  *sndbuf,
		RecvBuffer:  *rcvbuf,
		PollTimeout: *pollTimeout,
		ControlAddr: *control,
		NoAffinity:  *noAffinity,
		Logger:      &log,
	}

	if *sockmapObj != "" {
		accel, err := uecho.LoadSockmap(*sockmapObj)
		if err != nil {
			log.Warn().Err(err).Str("object", *sockmapObj).Msg("sockmap unavailable, running without it")
		} else {
			srv.Accelerator = accel
			defer accel.Close()
			log.Info().Str("object", *sockmapObj).Msg("sockmap attached")
		}
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case s := <-sig:
			log.Info().Stringer("signal", s).Msg("shutting down")
			srv.Shutdown()
		case <-srv.Done():
		}
	}()

	if err = srv.Serve(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		if srv.Accelerator != nil {
			_ = srv.Accelerator.Close()
		}
		os.Exit(1)
	}
}

func newLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q, using info\n", level)
		lvl = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(lvl).With().Timestamp().Logger()
}
