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
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/libp2p/go-reuseport"
	"github.com/urpc/uecho/internal/socket"
	"golang.org/x/sys/unix"
)

// listener is one worker's SO_REUSEPORT socket. The kernel spreads incoming
// connections across every listener bound to the same address.
type listener struct {
	fd    int          // raw listening fd, owned by the worker
	addr  string       // address as configured
	laddr *net.TCPAddr // resolved local address
}

// listen opens a reuse-port IPv4 listener on addr and detaches it from the
// Go runtime netpoller: the returned fd is a non-blocking duplicate and the
// net.Listener it came from is closed.
func listen(addr string, backlog int) (*listener, error) {

	// default scheme is tcp protocol.
	if !strings.Contains(addr, "://") {
		addr = "tcp4://" + addr
	}

	// parse url scheme.
	u, err := url.Parse(addr)
	if nil != err {
		return nil, err
	}

	switch u.Scheme {
	case "tcp", "tcp4":
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", u.Scheme)
	}

	ln, err := reuseport.Listen("tcp4", u.Host)
	if nil != err {
		return nil, err
	}
	defer ln.Close()

	l := &listener{fd: -1, addr: u.Host}
	if l.fd, err = socket.DupNetConn(ln); nil != err {
		return nil, err
	}

	sa, err := socket.LocalAddr(l.fd)
	if nil != err {
		l.close()
		return nil, err
	}
	l.laddr, _ = socket.SockaddrToAddr(sa).(*net.TCPAddr)

	if err = unix.SetNonblock(l.fd, true); nil != err {
		l.close()
		return nil, err
	}

	if backlog > 0 {
		if err = socket.Relisten(l.fd, backlog); nil != err {
			l.close()
			return nil, err
		}
	}

	return l, nil
}

func (l *listener) close() {
	if l.fd >= 0 {
		_ = unix.Close(l.fd)
		l.fd = -1
	}
}
