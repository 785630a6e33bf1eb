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

// Package sockmap loads a pre-compiled sk_skb/sk_msg BPF object and keeps
// accepted sockets in its SOCKMAP so the kernel can redirect payloads
// between sockets without waking user space.
//
// The object must define the maps "sock_map" (SOCKMAP, u32 -> u32) and
// "stats" (ARRAY of u64) and the programs "bpf_prog_parser",
// "bpf_prog_verdict" and "bpf_prog_msg".
package sockmap

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

const (
	mapSock  = "sock_map"
	mapStats = "stats"
)

// Stats mirrors the indices of the "stats" array map.
type Stats struct {
	Redirected  uint64 `json:"redirected"`
	RedirectErr uint64 `json:"redirect_err"`
	Parsed      uint64 `json:"parsed"`
	ParseErr    uint64 `json:"parse_err"`
}

type attachment struct {
	prog   string
	attach ebpf.AttachType
}

var attachments = []attachment{
	{"bpf_prog_parser", ebpf.AttachSkSKBStreamParser},
	{"bpf_prog_verdict", ebpf.AttachSkSKBStreamVerdict},
	{"bpf_prog_msg", ebpf.AttachSkMsgVerdict},
}

// Loader owns the loaded collection and its attachments.
type Loader struct {
	coll     *ebpf.Collection
	sockMap  *ebpf.Map
	stats    *ebpf.Map
	attached []attachment
}

// Load opens the object at path, loads it into the kernel and attaches the
// stream parser, stream verdict and msg verdict programs to the sockmap.
func Load(path string) (*Loader, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("sockmap: load spec %s: %w", path, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("sockmap: new collection: %w", err)
	}

	l := &Loader{coll: coll, sockMap: coll.Maps[mapSock], stats: coll.Maps[mapStats]}
	if l.sockMap == nil || l.stats == nil {
		coll.Close()
		return nil, errors.New("sockmap: object lacks sock_map or stats map")
	}

	for _, a := range attachments {
		prog := coll.Programs[a.prog]
		if prog == nil {
			_ = l.Close()
			return nil, fmt.Errorf("sockmap: program %s not found", a.prog)
		}
		err = link.RawAttachProgram(link.RawAttachProgramOptions{
			Target:  l.sockMap.FD(),
			Program: prog,
			Attach:  a.attach,
		})
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("sockmap: attach %s: %w", a.prog, err)
		}
		l.attached = append(l.attached, a)
	}
	return l, nil
}

// Register inserts the socket fd into the sockmap, keyed by itself.
func (l *Loader) Register(fd int) error {
	return l.sockMap.Update(uint32(fd), uint32(fd), ebpf.UpdateAny)
}

// Unregister removes fd from the sockmap. Missing keys are not an error.
func (l *Loader) Unregister(fd int) error {
	if err := l.sockMap.Delete(uint32(fd)); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return err
	}
	return nil
}

// Stats reads the redirect and parse counters.
func (l *Loader) Stats() (Stats, error) {
	var vals [4]uint64
	for i := range vals {
		if err := l.stats.Lookup(uint32(i), &vals[i]); err != nil {
			return Stats{}, fmt.Errorf("sockmap: stats[%d]: %w", i, err)
		}
	}
	return Stats{Redirected: vals[0], RedirectErr: vals[1], Parsed: vals[2], ParseErr: vals[3]}, nil
}

// Close detaches every program and releases the collection.
func (l *Loader) Close() error {
	var errs []error
	for _, a := range l.attached {
		err := link.RawDetachProgram(link.RawDetachProgramOptions{
			Target:  l.sockMap.FD(),
			Program: l.coll.Programs[a.prog],
			Attach:  a.attach,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	l.attached = nil
	l.coll.Close()
	return errors.Join(errs...)
}
