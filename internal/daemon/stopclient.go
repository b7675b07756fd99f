// SPDX-License-Identifier: MIT

package daemon

import (
	"fmt"
	"net"
	"time"

	"github.com/epgd/epgd/internal/config"
	"github.com/epgd/epgd/internal/protocol"
)

const stopDialTimeout = 5 * time.Second

// SendStopRequest is the client side of the stop CLI: connect to the
// configured daemon and ask it to stop. The config's host literal may be the
// project name inside a docker network; ConnectAddr substitutes loopback.
func SendStopRequest(cfg config.Config) error {
	addr := cfg.ConnectAddr()
	conn, err := net.DialTimeout("tcp", addr, stopDialTimeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close() //nolint:errcheck

	req, err := protocol.NewRequest(newRequestID(), protocol.MethodStopService, protocol.StopInfo{})
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(stopDialTimeout)); err != nil {
		return err
	}
	return protocol.WriteFrame(conn, req)
}
