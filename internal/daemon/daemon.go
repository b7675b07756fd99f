// SPDX-License-Identifier: MIT

// Package daemon implements the control-plane event loop.
//
// A single loop goroutine owns every piece of mutable daemon state: the peer
// table, pending-request maps, the stats sampler and the timers. Accepted
// connections get a reader goroutine that does nothing but turn the byte
// stream into messages on the loop's event channel; blocking work (URL
// fetches, log uploads) runs on workers that deliver their results back
// through ExecInLoop.
package daemon

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/epgd/epgd/internal/config"
	"github.com/epgd/epgd/internal/epg"
	"github.com/epgd/epgd/internal/license"
	"github.com/epgd/epgd/internal/log"
	"github.com/epgd/epgd/internal/metrics"
	"github.com/epgd/epgd/internal/protocol"
	"github.com/epgd/epgd/internal/stats"
	"github.com/epgd/epgd/internal/version"
	"github.com/epgd/epgd/internal/watcher"
)

// Timer cadences.
const (
	statsInterval   = 10 * time.Second
	pingInterval    = 60 * time.Second
	licenseInterval = 300 * time.Second
)

// maxParseErrors closes a peer that keeps sending undecodable frames.
const maxParseErrors = 3

// pendingMaxAge bounds the pending-request table.
const pendingMaxAge = 2 * pingInterval

// peerEvent is what a reader goroutine delivers to the loop.
type peerEvent struct {
	p     *peer
	msg   protocol.Message
	err   error
	fatal bool
}

// Daemon is the EPG control-plane service.
type Daemon struct {
	cfg     config.Config
	sampler *stats.Sampler
	logger  zerolog.Logger

	ln    net.Listener
	peers map[*peer]struct{}

	accepts chan net.Conn
	events  chan peerEvent
	execCh  chan func()
	stopCh  chan struct{}
	done    chan struct{}
	ready   chan struct{}

	stopOnce sync.Once
}

// New builds a daemon from the loaded configuration.
func New(cfg config.Config) *Daemon {
	return &Daemon{
		cfg:     cfg,
		sampler: stats.NewSampler(),
		logger:  log.WithComponent("daemon"),
		peers:   make(map[*peer]struct{}),
		accepts: make(chan net.Conn),
		events:  make(chan peerEvent),
		execCh:  make(chan func()),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr returns the bound listen address. Valid after Ready.
func (d *Daemon) Addr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Stop makes Run return after the event in flight.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// ExecInLoop schedules fn on the loop goroutine. It is the only admission
// path for off-thread work; fn is dropped if the daemon stops first.
func (d *Daemon) ExecInLoop(fn func()) {
	select {
	case d.execCh <- fn:
	case <-d.done:
	}
}

// Run binds the control socket and dispatches events until Stop is called or
// ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Host)
	if err != nil {
		return err
	}
	d.ln = ln
	d.logger.Info().Str("event", "daemon.listen").Str("addr", ln.Addr().String()).Msg("control socket bound")
	close(d.ready)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.acceptLoop()
	}()

	watchCh := d.startWatcher(loopCtx, &wg)

	statsTick := time.NewTicker(statsInterval)
	pingTick := time.NewTicker(pingInterval)
	licenseTick := time.NewTicker(licenseInterval)
	defer statsTick.Stop()
	defer pingTick.Stop()
	defer licenseTick.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown(cancel, &wg)
			return nil
		case <-d.stopCh:
			d.shutdown(cancel, &wg)
			return nil
		case conn := <-d.accepts:
			d.addPeer(conn)
		case ev := <-d.events:
			d.handlePeerEvent(ev)
		case path, ok := <-watchCh:
			if ok {
				d.handleEPGFile(path)
			} else {
				watchCh = nil
			}
		case fn := <-d.execCh:
			fn()
		case <-statsTick.C:
			d.broadcastStats()
		case <-pingTick.C:
			d.pingPeers()
		case <-licenseTick.C:
			d.checkLicense()
		}
	}
}

// shutdown closes the listener and every peer, then unblocks reader and
// worker goroutines before Run returns.
func (d *Daemon) shutdown(cancel context.CancelFunc, wg *sync.WaitGroup) {
	_ = d.ln.Close()
	for p := range d.peers {
		_ = p.conn.Close()
		metrics.PeerDisconnected()
		if p.verified {
			metrics.PeerUnverified()
		}
	}
	d.peers = make(map[*peer]struct{})
	cancel()
	close(d.done)
	wg.Wait()
	d.logger.Info().Str("event", "daemon.stopped").Msg("service stopped")
}

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		select {
		case d.accepts <- conn:
		case <-d.done:
			_ = conn.Close()
			return
		}
	}
}

// startWatcher wires the EPG input directory. A missing directory is logged
// and the daemon keeps running without the watch, matching operator
// expectations for late-mounted volumes.
func (d *Daemon) startWatcher(ctx context.Context, wg *sync.WaitGroup) <-chan string {
	w, err := watcher.New(d.cfg.EPGInDir)
	if err != nil {
		d.logger.Warn().Err(err).Str("event", "watch.unavailable").
			Str("path", d.cfg.EPGInDir).Msg("epg input directory not watched")
		return nil
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()
	return w.Events()
}

func (d *Daemon) addPeer(conn net.Conn) {
	p := newPeer(conn, d.logger)
	d.peers[p] = struct{}{}
	metrics.PeerConnected()
	p.logger.Info().Str("event", "peer.accepted").Msg("client connected")

	go d.readLoop(p)
}

// readLoop is the per-peer reader goroutine. It owns nothing but the read
// side of the connection.
func (d *Daemon) readLoop(p *peer) {
	r := protocol.NewReader(p.conn)
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			fatal := !errors.Is(err, protocol.ErrMalformedFrame)
			select {
			case d.events <- peerEvent{p: p, err: err, fatal: fatal}:
			case <-d.done:
				return
			}
			if fatal {
				return
			}
			continue
		}
		select {
		case d.events <- peerEvent{p: p, msg: msg}:
		case <-d.done:
			return
		}
	}
}

func (d *Daemon) handlePeerEvent(ev peerEvent) {
	if _, ok := d.peers[ev.p]; !ok {
		return // already retired
	}
	if ev.err != nil {
		if ev.fatal {
			ev.p.logger.Info().Err(ev.err).Str("event", "peer.closed").Msg("client disconnected")
			d.closePeer(ev.p)
			return
		}
		ev.p.parseErrors++
		ev.p.logger.Warn().Err(ev.err).Str("event", "peer.parse_error").
			Int("count", ev.p.parseErrors).Msg("malformed frame")
		if ev.p.parseErrors >= maxParseErrors {
			d.closePeer(ev.p)
		}
		return
	}

	ev.p.parseErrors = 0
	var err error
	if ev.msg.Req != nil {
		err = d.handleRequest(ev.p, ev.msg.Req)
	} else {
		err = d.handleResponse(ev.p, ev.msg.Resp)
	}
	if err != nil {
		ev.p.logger.Debug().Err(err).Str("event", "peer.handler_error").Msg("command failed")
	}
}

// closePeer is the single close-and-remove path for a peer.
func (d *Daemon) closePeer(p *peer) {
	if _, ok := d.peers[p]; !ok {
		return
	}
	delete(d.peers, p)
	_ = p.conn.Close()
	metrics.PeerDisconnected()
	if p.verified {
		metrics.PeerUnverified()
	}
}

// hasPeer reports whether p is still attached. Worker completions must check
// this before touching the peer.
func (d *Daemon) hasPeer(p *peer) bool {
	_, ok := d.peers[p]
	return ok
}

func (d *Daemon) verifiedCount() int {
	n := 0
	for p := range d.peers {
		if p.isVerified() {
			n++
		}
	}
	return n
}

// handleEPGFile splits a document deposited in the watched directory.
func (d *Daemon) handleEPGFile(path string) {
	d.logger.Info().Str("event", "epg.file").Str("path", path).Msg("new epg file notification")
	res, err := epg.SplitFile(path, d.cfg.EPGOutDir)
	if err != nil {
		metrics.SplitFailed("watch")
		d.logger.Warn().Err(err).Str("event", "epg.split_failed").Str("path", path).Msg("invalid epg file")
		return
	}
	metrics.DocumentSplit("watch", res.Programmes)
	d.logger.Info().Str("event", "epg.split").Str("path", path).
		Int("channels", res.Channels).Int("programmes", res.Programmes).
		Msg("epg file processing finished")
}

// broadcastStats renders the node statistics and pushes them to every
// verified peer. Write failures are logged without removing the peer.
func (d *Daemon) broadcastStats() {
	blob, err := protocol.EncodeBody(d.sampler.ServerInfo(d.verifiedCount()))
	if err != nil {
		d.logger.Warn().Err(err).Str("event", "stats.encode_failed").Msg("failed to generate node statistic")
		return
	}
	req := protocol.Request{ID: newRequestID(), Method: protocol.MethodStatisticService, Params: &blob}
	for p := range d.peers {
		if !p.isVerified() {
			continue
		}
		if err := p.writeRequest(req); err != nil {
			metrics.BroadcastWriteError()
			p.logger.Warn().Err(err).Str("event", "stats.broadcast_failed").Msg("broadcast write failed")
		}
	}
	metrics.BroadcastSent()
}

// pingPeers sends the server ping to verified peers and closes those that
// never answered the previous one. Stale pending entries are evicted here.
func (d *Daemon) pingPeers() {
	for p := range d.peers {
		if !p.isVerified() {
			continue
		}
		p.evictStalePending(pendingMaxAge)
		if p.awaitingPong {
			p.logger.Info().Str("event", "peer.ping_timeout").Msg("client missed ping, closing")
			d.closePeer(p)
			continue
		}
		if err := p.ping(); err != nil {
			p.logger.Warn().Err(err).Str("event", "peer.ping_failed").Msg("ping write failed")
			d.closePeer(p)
		}
	}
}

// checkLicense stops the whole service when the embedded license is missing,
// undecodable or expired.
func (d *Daemon) checkLicense() {
	if d.cfg.LicenseKey == "" {
		metrics.LicenseCheck("missing")
		d.logger.Warn().Str("event", "license.missing").Msg("you have an invalid license, service stopped")
		d.Stop()
		return
	}
	expiry, ok := license.Decode(version.Project, d.cfg.LicenseKey)
	if !ok {
		metrics.LicenseCheck("invalid")
		d.logger.Warn().Str("event", "license.invalid").Msg("you have an invalid license, service stopped")
		d.Stop()
		return
	}
	if expiry.Before(time.Now()) {
		metrics.LicenseCheck("expired")
		d.logger.Warn().Str("event", "license.expired").Msg("your license has expired, service stopped")
		d.Stop()
		return
	}
	metrics.LicenseCheck("valid")
}

// makeServiceStats renders the stats blob, full when an expiry is supplied.
func (d *Daemon) makeServiceStats(expiry time.Time) (string, error) {
	if expiry.IsZero() {
		return protocol.EncodeBody(d.sampler.ServerInfo(d.verifiedCount()))
	}
	return protocol.EncodeBody(d.sampler.FullServiceInfo(d.verifiedCount(), expiry))
}

