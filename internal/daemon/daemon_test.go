// SPDX-License-Identifier: MIT

package daemon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/epgd/epgd/internal/config"
	"github.com/epgd/epgd/internal/license"
	xlog "github.com/epgd/epgd/internal/log"
	"github.com/epgd/epgd/internal/protocol"
	"github.com/epgd/epgd/internal/stats"
	"github.com/epgd/epgd/internal/version"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1:0"
	cfg.EPGInDir = t.TempDir()
	cfg.EPGOutDir = t.TempDir()
	cfg.LicenseKey = license.Generate(version.Project, time.Now().Add(24*time.Hour))
	return cfg
}

// startDaemon runs the daemon and tears it down with the test.
func startDaemon(t *testing.T, cfg config.Config) *Daemon {
	t.Helper()
	d := New(cfg)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	select {
	case <-d.Ready():
	case err := <-runDone:
		t.Fatalf("daemon exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon never became ready")
	}

	t.Cleanup(func() {
		d.Stop()
		select {
		case err := <-runDone:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
		}
	})
	return d
}

type testClient struct {
	conn net.Conn
	r    *protocol.Reader
}

func dialDaemon(t *testing.T, d *Daemon) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", d.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{conn: conn, r: protocol.NewReader(conn)}
}

func (c *testClient) send(t *testing.T, id, method string, body any) {
	t.Helper()
	req, err := protocol.NewRequest(id, method, body)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(c.conn, req))
}

func (c *testClient) recv(t *testing.T) *protocol.Response {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	msg, err := c.r.ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, msg.Resp, "expected a response frame")
	return msg.Resp
}

func (c *testClient) activate(t *testing.T, key string) *protocol.Response {
	t.Helper()
	c.send(t, "act-1", protocol.MethodActivate, protocol.ActivateInfo{LicenseKey: key})
	return c.recv(t)
}

func TestActivateReturnsFullStats(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg)
	c := dialDaemon(t, d)

	resp := c.activate(t, cfg.LicenseKey)
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "act-1", resp.ID)

	var full stats.FullServiceInfo
	require.NoError(t, protocol.DecodeBody(resp.Result, &full))
	expiry, ok := license.Decode(version.Project, cfg.LicenseKey)
	require.True(t, ok)
	assert.Equal(t, expiry.UnixMilli(), full.ExpirationTime)
	assert.Equal(t, version.Project, full.Project)
	assert.NotZero(t, full.Timestamp)
}

func TestActivateInvalidKey(t *testing.T) {
	d := startDaemon(t, testConfig(t))
	c := dialDaemon(t, d)

	resp := c.activate(t, "deadbeef")
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrCodeLicense, resp.Error.Code)
	assert.Equal(t, "invalid expire key", resp.Error.Message)
}

func TestActivateBadParams(t *testing.T) {
	d := startDaemon(t, testConfig(t))
	c := dialDaemon(t, d)

	params := "not json"
	req := protocol.Request{ID: "act-2", Method: protocol.MethodActivate, Params: &params}
	require.NoError(t, protocol.WriteFrame(c.conn, req))

	resp := c.recv(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrCodeParse, resp.Error.Code)
}

func TestPingEchoesPayload(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg)
	c := dialDaemon(t, d)
	require.Nil(t, c.activate(t, cfg.LicenseKey).Error)

	c.send(t, "ping-1", protocol.MethodPingService, protocol.ClientPingInfo{Timestamp: 123456789})
	resp := c.recv(t)
	require.Nil(t, resp.Error)

	var pong protocol.ClientPingInfo
	require.NoError(t, protocol.DecodeBody(resp.Result, &pong))
	assert.Equal(t, int64(123456789), pong.Timestamp)
}

func TestUnverifiedCommandsRejected(t *testing.T) {
	d := startDaemon(t, testConfig(t))
	c := dialDaemon(t, d)

	for i, method := range []string{
		protocol.MethodPingService,
		protocol.MethodPrepareService,
		protocol.MethodSyncService,
		protocol.MethodGetLogService,
	} {
		c.send(t, fmt.Sprintf("cmd-%d", i), method, struct{}{})
		resp := c.recv(t)
		require.NotNil(t, resp.Error, "method %s must require activation", method)
		assert.Equal(t, protocol.ErrCodeInvalid, resp.Error.Code)
		assert.Equal(t, "not verified", resp.Error.Message)
	}
}

func TestPrepareAndSync(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg)
	c := dialDaemon(t, d)
	require.Nil(t, c.activate(t, cfg.LicenseKey).Error)

	c.send(t, "prep-1", protocol.MethodPrepareService, protocol.PrepareInfo{})
	resp := c.recv(t)
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)

	c.send(t, "sync-1", protocol.MethodSyncService, protocol.SyncInfo{})
	resp = c.recv(t)
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "{}", *resp.Result)
}

func TestStopFromLoopbackUnverified(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()
	<-d.Ready()

	conn, err := net.Dial("tcp", d.Addr().String())
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	req, err := protocol.NewRequest("stop-1", protocol.MethodStopService, protocol.StopInfo{})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, req))

	r := protocol.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, msg.Resp)
	assert.Nil(t, msg.Resp.Error, "loopback stop needs no activation")

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after stop request")
	}
}

func TestSendStopRequest(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()
	<-d.Ready()

	clientCfg := cfg
	clientCfg.Host = d.Addr().String()
	require.NoError(t, SendStopRequest(clientCfg))

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after stop CLI request")
	}
}

func TestUnknownMethodIgnored(t *testing.T) {
	d := startDaemon(t, testConfig(t))
	c := dialDaemon(t, d)

	c.send(t, "x-1", "daemon_no_such_method", struct{}{})

	// The connection survives; the next command still gets its reply.
	c.send(t, "x-2", protocol.MethodPingService, protocol.ClientPingInfo{Timestamp: 1})
	resp := c.recv(t)
	assert.Equal(t, "x-2", resp.ID)
	require.NotNil(t, resp.Error)
}

func TestMalformedFramesCloseThePeer(t *testing.T) {
	d := startDaemon(t, testConfig(t))
	c := dialDaemon(t, d)

	for i := 0; i < maxParseErrors; i++ {
		_, err := fmt.Fprintf(c.conn, "garbage line %d\n", i)
		require.NoError(t, err)
	}

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, err := c.r.ReadMessage()
	assert.Error(t, err, "daemon must drop the connection after repeated bad frames")
}

func TestRefreshURLSplitsDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<tv><programme channel="c1"><title>A</title></programme></tv>`)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	d := startDaemon(t, cfg)
	c := dialDaemon(t, d)

	c.send(t, "ref-1", protocol.MethodRefreshURL, protocol.RefreshURLInfo{URL: srv.URL})
	resp := c.recv(t)
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)

	entries, err := os.ReadDir(cfg.EPGOutDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c1.xml", entries[0].Name())
}

func TestRefreshURLRejectsBadScheme(t *testing.T) {
	d := startDaemon(t, testConfig(t))
	c := dialDaemon(t, d)

	c.send(t, "ref-2", protocol.MethodRefreshURL, protocol.RefreshURLInfo{URL: "ftp://example.com/epg.xml"})
	resp := c.recv(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrCodeInvalid, resp.Error.Code)
}

func TestRefreshURLReportsFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := startDaemon(t, testConfig(t))
	c := dialDaemon(t, d)

	c.send(t, "ref-3", protocol.MethodRefreshURL, protocol.RefreshURLInfo{URL: srv.URL})
	resp := c.recv(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrCodeHTTP, resp.Error.Code)
}

func TestGetLogServiceUploadsLog(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	logPath := filepath.Join(t.TempDir(), "epgd.log")
	require.NoError(t, os.WriteFile(logPath, []byte("log line\n"), 0o644))
	cfg.LogPath = logPath

	d := startDaemon(t, cfg)
	c := dialDaemon(t, d)
	require.Nil(t, c.activate(t, cfg.LicenseKey).Error)

	c.send(t, "log-1", protocol.MethodGetLogService, protocol.GetLogInfo{Path: srv.URL})
	resp := c.recv(t)
	require.Nil(t, resp.Error)

	select {
	case body := <-received:
		assert.Equal(t, "log line\n", body)
	case <-time.After(5 * time.Second):
		t.Fatal("upload never arrived")
	}
}

func TestGetLogServiceRejectsBadScheme(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg)
	c := dialDaemon(t, d)
	require.Nil(t, c.activate(t, cfg.LicenseKey).Error)

	c.send(t, "log-2", protocol.MethodGetLogService, protocol.GetLogInfo{Path: "file:///etc/passwd"})
	resp := c.recv(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrCodeInvalid, resp.Error.Code)
	assert.Equal(t, "not supported protocol", resp.Error.Message)
}

func TestWatchedFileIsSplit(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	doc := `<tv><programme channel="w1"><title>W</title></programme></tv>`
	require.NoError(t, os.WriteFile(filepath.Join(cfg.EPGInDir, "drop.xml"), []byte(doc), 0o644))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(cfg.EPGOutDir)
		require.NoError(t, err)
		if len(entries) == 1 {
			assert.Equal(t, "w1.xml", entries[0].Name())
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("watched file was never split")
}

// stubConn is an in-memory net.Conn with a configurable remote address.
type stubConn struct {
	remote net.Addr
	wrote  bytes.Buffer
	closed bool
}

func (c *stubConn) Read(_ []byte) (int, error)  { return 0, io.EOF }
func (c *stubConn) Write(b []byte) (int, error) { return c.wrote.Write(b) }
func (c *stubConn) Close() error                { c.closed = true; return nil }
func (c *stubConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6317}
}
func (c *stubConn) RemoteAddr() net.Addr             { return c.remote }
func (c *stubConn) SetDeadline(time.Time) error      { return nil }
func (c *stubConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stubConn) SetWriteDeadline(time.Time) error { return nil }

func (c *stubConn) lastResponse(t *testing.T) *protocol.Response {
	t.Helper()
	msg, err := protocol.NewReader(&c.wrote).ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, msg.Resp)
	return msg.Resp
}

func TestStopFromRemoteUnverifiedRejected(t *testing.T) {
	d := New(testConfig(t))
	conn := &stubConn{remote: &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 40000}}
	p := newPeer(conn, d.logger)

	req, err := protocol.NewRequest("stop-r", protocol.MethodStopService, protocol.StopInfo{})
	require.NoError(t, err)
	assert.ErrorIs(t, d.handleStopService(p, &req), errNotVerified)

	resp := conn.lastResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrCodeInvalid, resp.Error.Code)
	assert.Equal(t, "not verified", resp.Error.Message)

	select {
	case <-d.stopCh:
		t.Fatal("remote unverified stop must not stop the daemon")
	default:
	}
}

func TestStopFromRemoteVerifiedAccepted(t *testing.T) {
	d := New(testConfig(t))
	conn := &stubConn{remote: &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 40000}}
	p := newPeer(conn, d.logger)
	p.setVerified(time.Now().Add(time.Hour))

	req, err := protocol.NewRequest("stop-v", protocol.MethodStopService, protocol.StopInfo{})
	require.NoError(t, err)
	require.NoError(t, d.handleStopService(p, &req))

	resp := conn.lastResponse(t)
	assert.Nil(t, resp.Error)

	select {
	case <-d.stopCh:
	default:
		t.Fatal("verified stop must stop the daemon")
	}
}

func TestPeerIsLoopback(t *testing.T) {
	logger := New(testConfig(t)).logger
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:4000", true},
		{"[::1]:4000", true},
		{"203.0.113.9:4000", false},
		{"not-an-addr", false},
	}
	for _, tt := range tests {
		conn := &stubConn{remote: stubAddr(tt.addr)}
		p := newPeer(conn, logger)
		assert.Equal(t, tt.want, p.isLoopback(), "addr %s", tt.addr)
	}
}

// stubAddr is a net.Addr whose String is a fixed literal.
type stubAddr string

func (a stubAddr) Network() string { return "tcp" }
func (a stubAddr) String() string  { return string(a) }

func TestUnmatchedResponseLoggedAndDropped(t *testing.T) {
	var buf bytes.Buffer
	xlog.Configure(xlog.Config{Level: "debug", Output: &buf})
	defer xlog.Configure(xlog.Config{})

	d := New(testConfig(t))
	conn := &stubConn{remote: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}}
	p := newPeer(conn, d.logger)
	p.setVerified(time.Now().Add(time.Hour))

	result := "{}"
	require.NoError(t, d.handleResponse(p, &protocol.Response{ID: "never-sent", Result: &result}))

	assert.Contains(t, buf.String(), "dispatch.unmatched_response")
	assert.Contains(t, buf.String(), "never-sent")
	assert.Zero(t, conn.wrote.Len(), "unmatched responses get no reply")
}

func TestActivateExpiredKeyStopsDaemon(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()
	<-d.Ready()

	conn, err := net.Dial("tcp", d.Addr().String())
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	expired := license.Generate(version.Project, time.Now().Add(-time.Hour))
	req, err := protocol.NewRequest("act-exp", protocol.MethodActivate, protocol.ActivateInfo{LicenseKey: expired})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, req))

	r := protocol.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, msg.Resp)
	require.NotNil(t, msg.Resp.Error)
	assert.Equal(t, protocol.ErrCodeLicense, msg.Resp.Error.Code)

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on expired activation key")
	}
}
