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

// Package uecho is a thread-per-core TCP echo server for Linux.
//
// Every worker is pinned to a CPU and owns a SO_REUSEPORT listener, an I/O
// engine and the connections it accepted, so the data path takes no locks.
// Two engines are available: edge-triggered epoll and io_uring. A Unix
// socket control plane reports aggregated statistics and stops the server.
//
//	srv := &uecho.Server{Addr: ":8888", Backend: uecho.BackendUring}
//	go srv.Serve()
//	...
//	srv.Shutdown()
package uecho
