// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package listener provides Unix socket and TCP listener construction
// for the daemon.
package listener

import (
	"fmt"
	"net"
	"os"

	"github.com/tombee/foreman/internal/daemon/config"
)

// New creates the daemon listener described by the config. Unix
// sockets are created fresh with owner-only permissions; a stale
// socket file from a previous run is removed first.
func New(cfg config.ListenConfig) (net.Listener, error) {
	switch cfg.Network {
	case "unix":
		return newUnix(cfg.Address)
	case "", "tcp":
		ln, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
		}
		return ln, nil
	default:
		return nil, fmt.Errorf("unsupported listen network %q", cfg.Network)
	}
}

func newUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}
