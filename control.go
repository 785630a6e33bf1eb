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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxCommandLen  = 256
	controlTimeout = 5 * time.Second
)

// controlPlane answers single-line commands on a Unix socket, one client at a
// time: "stats" returns a JSON snapshot and "shutdown" stops the server.
type controlPlane struct {
	srv  *Server
	ln   net.Listener
	path string
	log  zerolog.Logger
	quit chan struct{}
	done chan struct{}
}

func newControlPlane(srv *Server, path string, log zerolog.Logger) (*controlPlane, error) {
	if err := os.RemoveAll(path); nil != err {
		return nil, err
	}

	ln, err := net.Listen("unix", path)
	if nil != err {
		return nil, err
	}

	if err = os.Chmod(path, 0o600); nil != err {
		_ = ln.Close()
		return nil, err
	}

	return &controlPlane{
		srv:  srv,
		ln:   ln,
		path: path,
		log:  log.With().Str("control", path).Logger(),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

func (cp *controlPlane) serve() {
	defer close(cp.done)

	var backoff time.Duration
	for {
		c, err := cp.ln.Accept()
		if nil != err {
			if errors.Is(err, net.ErrClosed) || cp.srv.run.stopped() {
				return
			}
			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			cp.log.Warn().Err(err).Dur("retry", backoff).Msg("control accept failed")
			select {
			case <-time.After(backoff):
				continue
			case <-cp.quit:
				return
			}
		}
		backoff = 0

		if cp.handle(c) {
			return
		}
	}
}

// close stops the accept loop and removes the socket file.
func (cp *controlPlane) close() {
	close(cp.quit)
	_ = cp.ln.Close()
	<-cp.done
	_ = os.RemoveAll(cp.path)
}

// handle serves one client and reports whether the loop must end.
func (cp *controlPlane) handle(c net.Conn) bool {
	defer c.Close()

	_ = c.SetDeadline(time.Now().Add(controlTimeout))

	cmd, err := readCommand(c)
	if nil != err {
		cp.log.Debug().Err(err).Msg("control read failed")
		return false
	}

	reply, stop := cp.dispatch(cmd)
	if stop {
		cp.srv.Shutdown()
	}

	if _, err = c.Write(reply); nil != err {
		cp.log.Debug().Err(err).Msg("control write failed")
	}

	cp.log.Debug().Str("command", cmd).Msg("control command")
	return stop
}

func (cp *controlPlane) dispatch(cmd string) (reply []byte, stop bool) {
	switch cmd {
	case "stats":
		return marshalReply(newStatsReply(cp.srv.Stats())), false
	case "shutdown":
		return marshalReply(statusReply{Status: "shutting_down"}), true
	default:
		return marshalReply(errorReply{Error: "unknown_command", Cmd: cmd}), false
	}
}

// readCommand reads up to one line of at most maxCommandLen bytes; a peer
// that closes its write side without a newline is accepted too.
func readCommand(r io.Reader) (string, error) {
	line, err := bufio.NewReaderSize(io.LimitReader(r, maxCommandLen), maxCommandLen).ReadBytes('\n')
	if nil != err && !errors.Is(err, io.EOF) {
		return "", err
	}
	if 0 == len(line) {
		return "", io.ErrUnexpectedEOF
	}
	return strings.TrimSpace(string(line)), nil
}

type statusReply struct {
	Status string `json:"status"`
}

type errorReply struct {
	Error string `json:"error"`
	Cmd   string `json:"cmd"`
}

type statsReply struct {
	Status      string            `json:"status"`
	Mode        string            `json:"mode"`
	UptimeSec   float64           `json:"uptime_sec"`
	Workers     int               `json:"workers"`
	Connections connectionsReply  `json:"connections"`
	Traffic     trafficReply      `json:"traffic"`
	System      systemReply       `json:"system"`
	Accelerator *AcceleratorStats `json:"accelerator,omitempty"`
}

type connectionsReply struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
}

type trafficReply struct {
	Requests  int64 `json:"requests"`
	BytesRecv int64 `json:"bytes_recv"`
	BytesSent int64 `json:"bytes_sent"`
}

type systemReply struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryRSSMB float64 `json:"memory_rss_mb"`
	Threads     int     `json:"threads"`
	OSThreads   int64   `json:"os_threads"`
	GoMaxProcs  int     `json:"gomaxprocs"`
}

func newStatsReply(s Snapshot) statsReply {
	return statsReply{
		Status:    "running",
		Mode:      s.Mode,
		UptimeSec: s.Uptime.Seconds(),
		Workers:   s.Workers,
		Connections: connectionsReply{
			Total:  s.Total.TotalConnections,
			Active: s.Total.ActiveConnections,
		},
		Traffic: trafficReply{
			Requests:  s.Total.Requests,
			BytesRecv: s.Total.BytesReceived,
			BytesSent: s.Total.BytesSent,
		},
		System: systemReply{
			CPUPercent:  s.System.CPUPercent,
			MemoryRSSMB: s.System.RSSMB,
			Threads:     s.Workers,
			OSThreads:   s.System.OSThreads,
			GoMaxProcs:  runtime.GOMAXPROCS(0),
		},
		Accelerator: s.Accelerator,
	}
}

func marshalReply(v any) []byte {
	b, err := json.Marshal(v)
	if nil != err {
		b = []byte(`{"error":"encode_failed"}`)
	}
	return append(b, '\n')
}

// Command sends cmd to the control socket at path and returns the reply with
// surrounding whitespace removed.
func Command(ctx context.Context, path, cmd string) ([]byte, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if nil != err {
		return nil, err
	}
	defer c.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(deadline)
	} else {
		_ = c.SetDeadline(time.Now().Add(controlTimeout))
	}

	if _, err = io.WriteString(c, cmd+"\n"); nil != err {
		return nil, err
	}

	reply, err := io.ReadAll(c)
	if nil != err {
		return nil, err
	}
	return bytes.TrimSpace(reply), nil
}
