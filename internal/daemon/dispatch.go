// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/epgd/epgd/internal/fetch"
	"github.com/epgd/epgd/internal/license"
	"github.com/epgd/epgd/internal/metrics"
	"github.com/epgd/epgd/internal/protocol"
	"github.com/epgd/epgd/internal/version"
)

var errNotVerified = errors.New("peer not verified")

// handleRequest routes an inbound request by method name. All handlers run
// on the loop goroutine and must not block; the two network-bound commands
// hand off to workers.
func (d *Daemon) handleRequest(p *peer, req *protocol.Request) error {
	switch req.Method {
	case protocol.MethodActivate:
		return d.handleActivate(p, req)
	case protocol.MethodStopService:
		return d.handleStopService(p, req)
	case protocol.MethodPingService:
		return d.handlePingService(p, req)
	case protocol.MethodPrepareService:
		return d.handlePrepareService(p, req)
	case protocol.MethodSyncService:
		return d.handleSyncService(p, req)
	case protocol.MethodGetLogService:
		return d.handleGetLogService(p, req)
	case protocol.MethodRefreshURL:
		return d.handleRefreshURL(p, req)
	default:
		p.logger.Warn().Str("event", "dispatch.unknown_method").
			Str("method", req.Method).Msg("received unknown method")
		return nil
	}
}

// handleResponse matches an inbound response against the pending map. Only
// the server's own ping responses are interpreted.
func (d *Daemon) handleResponse(p *peer, resp *protocol.Response) error {
	if !p.isVerified() {
		return errNotVerified
	}
	method, ok := p.popRequestByID(resp.ID)
	if !ok {
		p.logger.Debug().Str("event", "dispatch.unmatched_response").
			Str("id", resp.ID).Msg("response with no pending request")
		return nil
	}
	if method != protocol.MethodServerPing {
		p.logger.Warn().Str("event", "dispatch.unhandled_response").
			Str("method", method).Msg("response to unhandled command")
		return nil
	}
	p.awaitingPong = false
	if resp.Result == nil {
		return nil
	}
	var pong protocol.ClientPingInfo
	if err := protocol.DecodeBody(resp.Result, &pong); err != nil {
		return fmt.Errorf("ping response: %w", err)
	}
	return nil
}

func (d *Daemon) handleActivate(p *peer, req *protocol.Request) error {
	var info protocol.ActivateInfo
	if err := protocol.DecodeBody(req.Params, &info); err != nil {
		_ = p.activateFail(req.ID, protocol.ErrCodeParse, err.Error())
		return err
	}

	expiry, ok := license.Decode(version.Project, info.LicenseKey)
	if !ok {
		metrics.LicenseCheck("invalid")
		_ = p.activateFail(req.ID, protocol.ErrCodeLicense, "invalid expire key")
		return fmt.Errorf("invalid expire key")
	}
	if expiry.Before(time.Now()) {
		metrics.LicenseCheck("expired")
		d.logger.Warn().Str("event", "license.expired").Msg("your license has expired, service stopped")
		_ = p.activateFail(req.ID, protocol.ErrCodeLicense, "license expired")
		d.Stop()
		return fmt.Errorf("license expired")
	}

	blob, err := d.makeServiceStats(expiry)
	if err != nil {
		_ = p.activateFail(req.ID, protocol.ErrCodeInternal, "failed to generate node statistic")
		return err
	}
	if err := p.activateSuccess(req.ID, blob); err != nil {
		return err
	}
	if !p.isVerified() {
		metrics.PeerVerified()
	}
	p.setVerified(expiry)
	p.logger.Info().Str("event", "peer.verified").Time("expiry", expiry).Msg("client activated")
	return nil
}

func (d *Daemon) handleStopService(p *peer, req *protocol.Request) error {
	if !p.isVerified() && !p.isLoopback() {
		p.logger.Info().Str("event", "dispatch.stop_rejected").Msg("stop request from remote unverified peer")
		_ = p.writeFrame(protocol.FailResponse(req.ID, protocol.ErrCodeInvalid, "not verified"))
		return errNotVerified
	}
	var info protocol.StopInfo
	if err := protocol.DecodeBody(req.Params, &info); err != nil {
		_ = p.writeFrame(protocol.FailResponse(req.ID, protocol.ErrCodeParse, err.Error()))
		return err
	}
	if err := p.stopSuccess(req.ID); err != nil {
		return err
	}
	d.logger.Info().Str("event", "daemon.stop_requested").Msg("stop request accepted")
	d.Stop()
	return nil
}

func (d *Daemon) handlePingService(p *peer, req *protocol.Request) error {
	if !p.isVerified() {
		_ = p.writeFrame(protocol.FailResponse(req.ID, protocol.ErrCodeInvalid, "not verified"))
		return errNotVerified
	}
	var info protocol.ClientPingInfo
	if err := protocol.DecodeBody(req.Params, &info); err != nil {
		_ = p.writeFrame(protocol.FailResponse(req.ID, protocol.ErrCodeParse, err.Error()))
		return err
	}
	return p.pong(req.ID, info)
}

func (d *Daemon) handlePrepareService(p *peer, req *protocol.Request) error {
	if !p.isVerified() {
		_ = p.writeFrame(protocol.FailResponse(req.ID, protocol.ErrCodeInvalid, "not verified"))
		return errNotVerified
	}
	var info protocol.PrepareInfo
	if err := protocol.DecodeBody(req.Params, &info); err != nil {
		_ = p.writeFrame(protocol.FailResponse(req.ID, protocol.ErrCodeParse, err.Error()))
		return err
	}
	return p.prepareServiceSuccess(req.ID, protocol.StateInfo{})
}

func (d *Daemon) handleSyncService(p *peer, req *protocol.Request) error {
	if !p.isVerified() {
		_ = p.writeFrame(protocol.FailResponse(req.ID, protocol.ErrCodeInvalid, "not verified"))
		return errNotVerified
	}
	var info protocol.SyncInfo
	if err := protocol.DecodeBody(req.Params, &info); err != nil {
		_ = p.writeFrame(protocol.FailResponse(req.ID, protocol.ErrCodeParse, err.Error()))
		return err
	}
	return p.syncServiceSuccess(req.ID)
}

// handleGetLogService uploads the daemon log to the requested endpoint. The
// upload blocks, so it runs on a worker and replies through ExecInLoop.
func (d *Daemon) handleGetLogService(p *peer, req *protocol.Request) error {
	if !p.isVerified() {
		_ = p.writeFrame(protocol.FailResponse(req.ID, protocol.ErrCodeInvalid, "not verified"))
		return errNotVerified
	}
	var info protocol.GetLogInfo
	if err := protocol.DecodeBody(req.Params, &info); err != nil {
		_ = p.getLogServiceFail(req.ID, protocol.ErrCodeParse, err.Error())
		return err
	}
	target, err := url.Parse(info.Path)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		_ = p.getLogServiceFail(req.ID, protocol.ErrCodeInvalid, "not supported protocol")
		return fmt.Errorf("not supported protocol: %s", info.Path)
	}

	id := req.ID
	logPath := d.cfg.LogPath
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		uploadErr := fetch.PostFile(ctx, logPath, info.Path)
		d.ExecInLoop(func() {
			if !d.hasPeer(p) {
				return
			}
			if uploadErr != nil {
				_ = p.getLogServiceFail(id, protocol.ErrCodeHTTP, uploadErr.Error())
				return
			}
			_ = p.getLogServiceSuccess(id)
		})
	}()
	return nil
}

// handleRefreshURL downloads a remote EPG document on a worker and splits it
// into the output directory. Completion is marshalled back onto the loop,
// which re-checks that the originating peer is still attached.
func (d *Daemon) handleRefreshURL(p *peer, req *protocol.Request) error {
	var info protocol.RefreshURLInfo
	if err := protocol.DecodeBody(req.Params, &info); err != nil {
		_ = p.refreshURLFail(req.ID, protocol.ErrCodeParse, err.Error())
		return err
	}
	target, err := url.Parse(info.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		_ = p.refreshURLFail(req.ID, protocol.ErrCodeInvalid, "invalid url")
		return fmt.Errorf("invalid refresh url: %q", info.URL)
	}

	d.logger.Info().Str("event", "epg.refresh_url").Str("url", info.URL).Msg("epg url refresh request")
	id := req.ID
	outDir := d.cfg.EPGOutDir
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		res, fetchErr := fetch.RefreshURL(ctx, info.URL, outDir)
		d.ExecInLoop(func() {
			if fetchErr != nil {
				metrics.FetchFailed()
				metrics.SplitFailed("url")
				d.logger.Warn().Err(fetchErr).Str("event", "epg.refresh_failed").
					Str("url", info.URL).Msg("epg url refresh failed")
			} else {
				metrics.FetchSucceeded()
				metrics.DocumentSplit("url", res.Programmes)
				d.logger.Info().Str("event", "epg.refresh_done").Str("url", info.URL).
					Int("channels", res.Channels).Int("programmes", res.Programmes).
					Msg("epg url refresh finished")
			}
			if !d.hasPeer(p) {
				return
			}
			if fetchErr != nil {
				_ = p.refreshURLFail(id, protocol.ErrCodeHTTP, fetchErr.Error())
				return
			}
			_ = p.refreshURLSuccess(id)
		})
	}()
	return nil
}
