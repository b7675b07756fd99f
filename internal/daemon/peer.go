// SPDX-License-Identifier: MIT

package daemon

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/epgd/epgd/internal/protocol"
)

const writeTimeout = 10 * time.Second

func newRequestID() string { return uuid.NewString() }

// pendingRequest tracks one outbound request awaiting its response, so the
// response can be matched back to the originating method.
type pendingRequest struct {
	method    string
	createdAt time.Time
}

// peer is one accepted control connection. All fields are owned by the
// daemon loop; the only other goroutine touching a peer is its reader, which
// is confined to conn reads.
type peer struct {
	conn         net.Conn
	verified     bool
	expiry       time.Time
	pending      map[string]pendingRequest
	awaitingPong bool
	parseErrors  int
	logger       zerolog.Logger
}

func newPeer(conn net.Conn, logger zerolog.Logger) *peer {
	return &peer{
		conn:    conn,
		pending: make(map[string]pendingRequest),
		logger:  logger.With().Str("peer", conn.RemoteAddr().String()).Logger(),
	}
}

func (p *peer) isVerified() bool { return p.verified }

func (p *peer) setVerified(expiry time.Time) {
	p.verified = true
	p.expiry = expiry
}

func (p *peer) writeFrame(v any) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return protocol.WriteFrame(p.conn, v)
}

// writeRequest sends a server-originated request and records it in the
// pending map.
func (p *peer) writeRequest(req protocol.Request) error {
	if err := p.writeFrame(req); err != nil {
		return err
	}
	p.pending[req.ID] = pendingRequest{method: req.Method, createdAt: time.Now()}
	return nil
}

// popRequestByID recovers the method of an in-flight request, removing it.
func (p *peer) popRequestByID(id string) (string, bool) {
	entry, ok := p.pending[id]
	if !ok {
		return "", false
	}
	delete(p.pending, id)
	return entry.method, true
}

// evictStalePending drops entries the remote never answered. Bounded by the
// ping cadence, this keeps the table from growing without limit.
func (p *peer) evictStalePending(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	for id, entry := range p.pending {
		if entry.createdAt.Before(cutoff) {
			delete(p.pending, id)
		}
	}
}

// ping writes the server to client liveness request.
func (p *peer) ping() error {
	req, err := protocol.NewRequest(uuid.NewString(), protocol.MethodServerPing,
		protocol.ClientPingInfo{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	if err := p.writeRequest(req); err != nil {
		return err
	}
	p.awaitingPong = true
	return nil
}

// pong answers an inbound ping, echoing the payload back unchanged.
func (p *peer) pong(id string, info protocol.ClientPingInfo) error {
	resp, err := protocol.OKResponse(id, info)
	if err != nil {
		return err
	}
	return p.writeFrame(resp)
}

// activateSuccess replies with the freshly rendered full stats blob.
func (p *peer) activateSuccess(id, statsBlob string) error {
	return p.writeFrame(protocol.Response{ID: id, Result: &statsBlob})
}

func (p *peer) activateFail(id string, code int, message string) error {
	return p.writeFrame(protocol.FailResponse(id, code, message))
}

func (p *peer) prepareServiceSuccess(id string, state protocol.StateInfo) error {
	resp, err := protocol.OKResponse(id, state)
	if err != nil {
		return err
	}
	return p.writeFrame(resp)
}

func (p *peer) syncServiceSuccess(id string) error {
	resp, err := protocol.OKResponse(id, struct{}{})
	if err != nil {
		return err
	}
	return p.writeFrame(resp)
}

func (p *peer) getLogServiceSuccess(id string) error {
	resp, err := protocol.OKResponse(id, struct{}{})
	if err != nil {
		return err
	}
	return p.writeFrame(resp)
}

func (p *peer) getLogServiceFail(id string, code int, message string) error {
	return p.writeFrame(protocol.FailResponse(id, code, message))
}

func (p *peer) refreshURLSuccess(id string) error {
	resp, err := protocol.OKResponse(id, struct{}{})
	if err != nil {
		return err
	}
	return p.writeFrame(resp)
}

func (p *peer) refreshURLFail(id string, code int, message string) error {
	return p.writeFrame(protocol.FailResponse(id, code, message))
}

func (p *peer) stopSuccess(id string) error {
	resp, err := protocol.OKResponse(id, struct{}{})
	if err != nil {
		return err
	}
	return p.writeFrame(resp)
}

// isLoopback reports whether the peer connected from a loopback address.
func (p *peer) isLoopback() bool {
	host, _, err := net.SplitHostPort(p.conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
