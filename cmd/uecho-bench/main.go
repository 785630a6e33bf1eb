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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urpc/uecho/internal/loadgen"
	"github.com/urpc/uecho/internal/sysmon"
)

type report struct {
	Timestamp   int64          `json:"timestamp"`
	Addr        string         `json:"addr"`
	Rounds      int            `json:"rounds"`
	Performance loadgen.Result `json:"performance"`
	System      systemReport   `json:"system"`
}

type systemReport struct {
	CPUPercent      float64 `json:"cpu_usage_percent"`
	MemoryRSSMB     float64 `json:"memory_rss_mb"`
	MemoryVMSMB     float64 `json:"memory_vms_mb"`
	CtxSwitchesVol  int64   `json:"ctx_switches_voluntary"`
	CtxSwitchesInv  int64   `json:"ctx_switches_involuntary"`
	PageFaultsMinor int64   `json:"page_faults_minor"`
	PageFaultsMajor int64   `json:"page_faults_major"`
}

func main() {
	var cfg loadgen.Config
	flag.StringVar(&cfg.Addr, "addr", "127.0.0.1:8888", "server address")
	flag.IntVar(&cfg.Connections, "c", loadgen.DefaultConnections, "concurrent connections")
	flag.IntVar(&cfg.Rounds, "r", loadgen.DefaultRounds, "rounds per connection, 0 with -d for a timed run")
	flag.IntVar(&cfg.Size, "s", loadgen.DefaultSize, "payload size in bytes")
	flag.IntVar(&cfg.QPS, "q", 0, "request rate limit, 0 for unlimited")
	flag.DurationVar(&cfg.Duration, "d", 0, "run duration, overrides -r when set")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	lvl, err := zerolog.ParseLevel(*level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	cfg.Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).With().Timestamp().Logger()
	log := cfg.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon := sysmon.New()
	before, err := mon.Sample()
	if err != nil {
		log.Warn().Err(err).Msg("resource sampling unavailable")
	}

	res, runErr := loadgen.Run(ctx, cfg)

	after, err := mon.Sample()
	if err != nil {
		log.Warn().Err(err).Msg("resource sampling unavailable")
	}

	rep := report{
		Timestamp:   time.Now().UnixMicro(),
		Addr:        cfg.Addr,
		Rounds:      cfg.Rounds,
		Performance: res,
		System: systemReport{
			CPUPercent:      after.CPUPercent,
			MemoryRSSMB:     after.RSSMB(),
			MemoryVMSMB:     float64(after.VMSKB) / 1024,
			CtxSwitchesVol:  after.VolCtxSw - before.VolCtxSw,
			CtxSwitchesInv:  after.InvolCtxSw - before.InvolCtxSw,
			PageFaultsMinor: after.MinorFaults - before.MinorFaults,
			PageFaultsMajor: after.MajorFaults - before.MajorFaults,
		},
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err = enc.Encode(rep); err != nil {
		log.Error().Err(err).Msg("write report")
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("benchmark failed")
		os.Exit(1)
	}
}
