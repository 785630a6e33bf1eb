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
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/urpc/uecho"
)

type stats struct {
	Status      string  `json:"status"`
	Mode        string  `json:"mode"`
	UptimeSec   float64 `json:"uptime_sec"`
	Workers     int     `json:"workers"`
	Connections struct {
		Total  int64 `json:"total"`
		Active int64 `json:"active"`
	} `json:"connections"`
	Traffic struct {
		Requests  int64 `json:"requests"`
		BytesRecv int64 `json:"bytes_recv"`
		BytesSent int64 `json:"bytes_sent"`
	} `json:"traffic"`
	System struct {
		CPUPercent  float64 `json:"cpu_percent"`
		MemoryRSSMB float64 `json:"memory_rss_mb"`
		Threads     int     `json:"threads"`
		OSThreads   int64   `json:"os_threads"`
	} `json:"system"`
	Accelerator map[string]uint64 `json:"accelerator,omitempty"`
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: %s [flags] <command>

commands:
  stats      print server statistics
  raw        print the raw stats reply
  status     report whether the server answers
  shutdown   stop the server
  watch      print statistics every -interval

flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	socket := flag.String("socket", "/tmp/uecho.sock", "control socket path")
	timeout := flag.Duration("timeout", 2*time.Second, "per-command timeout")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval for watch")
	flag.Usage = usage
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true, PartsExclude: []string{zerolog.TimestampFieldName}})

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	ctl := controller{socket: *socket, timeout: *timeout, out: os.Stdout}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "stats":
		err = ctl.stats()
	case "raw":
		err = ctl.raw()
	case "status":
		err = ctl.status()
	case "shutdown":
		err = ctl.shutdown()
	case "watch":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err = ctl.watch(ctx, *interval)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Error().Err(err).Str("socket", *socket).Msg("command failed")
		os.Exit(1)
	}
}

type controller struct {
	socket  string
	timeout time.Duration
	out     io.Writer
}

func (c controller) send(cmd string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return uecho.Command(ctx, c.socket, cmd)
}

func (c controller) fetch() (*stats, error) {
	reply, err := c.send("stats")
	if err != nil {
		return nil, err
	}
	var st stats
	if err = json.Unmarshal(reply, &st); err != nil {
		return nil, fmt.Errorf("malformed reply %q: %w", reply, err)
	}
	return &st, nil
}

func (c controller) stats() error {
	st, err := c.fetch()
	if err != nil {
		return err
	}
	printStats(c.out, st)
	return nil
}

func (c controller) raw() error {
	reply, err := c.send("stats")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "%s\n", reply)
	return err
}

func (c controller) status() error {
	st, err := c.fetch()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "%s (%s, %d workers, up %s)\n",
		st.Status, st.Mode, st.Workers, formatUptime(st.UptimeSec))
	return err
}

func (c controller) shutdown() error {
	reply, err := c.send("shutdown")
	if err != nil {
		return err
	}
	var r struct {
		Status string `json:"status"`
	}
	if err = json.Unmarshal(reply, &r); err != nil || r.Status != "shutting_down" {
		return fmt.Errorf("unexpected reply %q", reply)
	}
	_, err = fmt.Fprintln(c.out, "server is shutting down")
	return err
}

func (c controller) watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.fetch()
		if err != nil {
			return err
		}
		// clear screen, cursor home
		fmt.Fprint(c.out, "\033[H\033[2J")
		printStats(c.out, st)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func formatUptime(sec float64) string {
	d := time.Duration(sec * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func printStats(w io.Writer, st *stats) {
	const mb = 1024 * 1024
	fmt.Fprintf(w, "status:          %s\n", st.Status)
	fmt.Fprintf(w, "backend:         %s\n", st.Mode)
	fmt.Fprintf(w, "uptime:          %s\n", formatUptime(st.UptimeSec))
	fmt.Fprintf(w, "workers:         %d\n", st.Workers)
	fmt.Fprintf(w, "connections:     %d total, %d active\n", st.Connections.Total, st.Connections.Active)
	fmt.Fprintf(w, "requests:        %d\n", st.Traffic.Requests)
	fmt.Fprintf(w, "received:        %d (%.2f MB)\n", st.Traffic.BytesRecv, float64(st.Traffic.BytesRecv)/mb)
	fmt.Fprintf(w, "sent:            %d (%.2f MB)\n", st.Traffic.BytesSent, float64(st.Traffic.BytesSent)/mb)
	fmt.Fprintf(w, "cpu:             %.2f%%\n", st.System.CPUPercent)
	fmt.Fprintf(w, "rss:             %.2f MB\n", st.System.MemoryRSSMB)
	fmt.Fprintf(w, "threads:         %d workers, %d os\n", st.System.Threads, st.System.OSThreads)
	for k, v := range st.Accelerator {
		fmt.Fprintf(w, "sockmap %-8s %d\n", k+":", v)
	}
}
