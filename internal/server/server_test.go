package server

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gochat/internal/chat"
	"gochat/internal/config"
	"gochat/internal/metrics"
	"gochat/internal/protocol"
)

const frameWait = 2 * time.Second

func testConfig() *config.Config {
	return &config.Config{
		Host:               "127.0.0.1",
		Port:               0,
		HistoryInit:        20,
		RateLimit:          20,
		RateWindow:         time.Hour,
		ComplaintThreshold: 3,
		BanDuration:        4 * time.Hour,
		Retention:          time.Hour,
		ReapInterval:       time.Hour,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// startServer boots a server on an ephemeral port and tears it down with
// the test.
func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv := New(cfg, zerolog.Nop(), metrics.New())
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go srv.Serve()
	t.Cleanup(srv.Shutdown)
	return srv
}

// testClient drives the wire protocol against a running server.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	require.NoError(c.t, err)
}

// readFrame returns the next raw line, or an error after timeout.
func (c *testClient) readFrame(timeout time.Duration) (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}

// expect reads frames until one with the wanted operator arrives.
// Statistics pushes (sent on every join and disconnect) are skipped;
// any other operator fails the test.
func (c *testClient) expect(want protocol.Operator) string {
	c.t.Helper()
	for i := 0; i < 16; i++ {
		line, err := c.readFrame(frameWait)
		require.NoError(c.t, err, "waiting for %s", want)
		op, payload := protocol.Split(line)
		if op == want {
			return payload
		}
		if op == protocol.OpSetStatistic {
			continue
		}
		c.t.Fatalf("expected %s, got frame %q", want, line)
	}
	c.t.Fatalf("no %s frame within %d frames", want, 16)
	return ""
}

// expectLine skips statistics pushes and requires the next other line to
// contain substr.
func (c *testClient) expectLine(substr string) string {
	c.t.Helper()
	for i := 0; i < 16; i++ {
		line, err := c.readFrame(frameWait)
		require.NoError(c.t, err, "waiting for line containing %q", substr)
		if op, _ := protocol.Split(line); op == protocol.OpSetStatistic {
			continue
		}
		require.Contains(c.t, line, substr)
		return line
	}
	c.t.Fatalf("no line containing %q", substr)
	return ""
}

// assertNoMessage drains the connection for d and fails on any
// message_from_srv frame.  Statistics pushes and echoes are ignored.
func (c *testClient) assertNoMessage(d time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		line, err := c.readFrame(time.Until(deadline))
		if err != nil {
			return // timeout: nothing arrived
		}
		op, _ := protocol.Split(line)
		require.NotEqual(c.t, protocol.OpMessageFromSrv, op, "unexpected delivery %q", line)
	}
}

// join completes name negotiation for name.
func (c *testClient) join(name string) {
	c.t.Helper()
	c.expect(protocol.OpChooseName)
	c.send(name)
	payload := c.expect(protocol.OpNameAccepted)
	require.Equal(c.t, name, payload)
}

// drain discards everything already in flight (typically statistics pushes
// from earlier joins).
func (c *testClient) drain(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if _, err := c.readFrame(time.Until(deadline)); err != nil {
			return
		}
	}
}

// sync round-trips a statistics request, guaranteeing that every frame the
// client sent earlier has been processed by the engine.  Pending pushes are
// drained first so the set_statistic that comes back is the response.
func (c *testClient) sync() protocol.Statistics {
	c.t.Helper()
	c.drain(50 * time.Millisecond)
	c.send(string(protocol.OpGetStatistic))
	var stats protocol.Statistics
	require.NoError(c.t, protocol.UnmarshalPayload(c.expect(protocol.OpSetStatistic), &stats))
	return stats
}

func (c *testClient) approve(uuid, user string) {
	c.t.Helper()
	frame, err := protocol.FrameJSON(protocol.OpMessageApprove, protocol.ApprovePayload{
		UUID: uuid,
		User: user,
	})
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)
}

func decodeMessage(t *testing.T, payload string) protocol.WireMessage {
	t.Helper()
	var wm protocol.WireMessage
	require.NoError(t, protocol.UnmarshalPayload(payload, &wm))
	return wm
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestNameNegotiation(t *testing.T) {
	srv := startServer(t, testConfig())

	a := dialServer(t, srv)
	a.expect(protocol.OpChooseName)
	a.send("alice")
	require.Equal(t, "alice", a.expect(protocol.OpNameAccepted))

	b := dialServer(t, srv)
	b.expect(protocol.OpChooseName)
	b.send("alice")
	b.expect(protocol.OpNameRejected)
	b.send("bob")
	require.Equal(t, "bob", b.expect(protocol.OpNameAccepted))
}

func TestChannelBroadcastAndAck(t *testing.T) {
	srv := startServer(t, testConfig())

	alice := dialServer(t, srv)
	alice.join("alice")
	bob := dialServer(t, srv)
	bob.join("bob")

	alice.send("message_from_client hello")

	wm := decodeMessage(t, bob.expect(protocol.OpMessageFromSrv))
	assert.Equal(t, "alice", wm.Creator)
	assert.Equal(t, "channel", wm.DestinationType)
	assert.Equal(t, "general", wm.DestinationName)
	assert.Equal(t, "hello", wm.Message)

	// The sender never receives her own message.
	alice.assertNoMessage(200 * time.Millisecond)

	bob.approve(wm.UUID, "bob")
	bob.sync()

	msg := srv.msgs.GetByID(wm.UUID)
	require.NotNil(t, msg)
	assert.Equal(t, []string{"bob"}, msg.ReceivedBy)
}

func TestStatisticsListsUsersAndChannels(t *testing.T) {
	srv := startServer(t, testConfig())

	alice := dialServer(t, srv)
	alice.join("alice")
	bob := dialServer(t, srv)
	bob.join("bob")
	bob.send("change_chat private alice")
	bob.expect(protocol.OpChangeChat)

	stats := alice.sync()
	assert.ElementsMatch(t, []string{"alice", "bob"}, stats.Users)
	// Bob switched to a private thread, so only alice's channel remains.
	assert.Equal(t, []string{"general"}, stats.Channels)
}

func TestPrivateRoutingAndScopeChangeReplay(t *testing.T) {
	srv := startServer(t, testConfig())

	alice := dialServer(t, srv)
	alice.join("alice")
	bob := dialServer(t, srv)
	bob.join("bob")
	carol := dialServer(t, srv)
	carol.join("carol")

	alice.send("change_chat private bob")
	alice.expect(protocol.OpChangeChat)
	alice.send("message_from_client hi bob")
	alice.sync()

	// Neither bob (channel scope) nor carol sees the private message live.
	bob.assertNoMessage(200 * time.Millisecond)
	carol.assertNoMessage(200 * time.Millisecond)

	// Switching into the thread replays it exactly once.
	bob.send("change_chat private alice")
	bob.expect(protocol.OpChangeChat)
	wm := decodeMessage(t, bob.expect(protocol.OpMessageFromSrv))
	assert.Equal(t, "hi bob", wm.Message)
	bob.assertNoMessage(200 * time.Millisecond)

	bob.approve(wm.UUID, "bob")
	bob.sync()

	// A second scope change finds the message acknowledged: no resend.
	bob.send("change_chat private alice")
	bob.expect(protocol.OpChangeChat)
	bob.assertNoMessage(200 * time.Millisecond)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 3
	srv := startServer(t, cfg)

	alice := dialServer(t, srv)
	alice.join("alice")

	for i := 0; i < cfg.RateLimit; i++ {
		alice.send(fmt.Sprintf("message_from_client msg %d", i))
	}
	alice.send("message_from_client one too many")
	alice.expectLine("limit")

	alice.sync()
	assert.Equal(t, cfg.RateLimit, srv.msgs.Count())
}

func TestRateLimitDoesNotApplyToPrivate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1
	srv := startServer(t, cfg)

	alice := dialServer(t, srv)
	alice.join("alice")
	bob := dialServer(t, srv)
	bob.join("bob")

	alice.send("message_from_client spend the window")
	alice.send("change_chat private bob")
	alice.expect(protocol.OpChangeChat)
	alice.send("message_from_client still allowed")
	alice.sync()

	assert.Equal(t, 2, srv.msgs.Count())
}

func TestComplaintBan(t *testing.T) {
	srv := startServer(t, testConfig())

	alice := dialServer(t, srv)
	alice.join("alice")
	for _, name := range []string{"bob", "carol", "dave"} {
		c := dialServer(t, srv)
		c.join(name)
		c.send("ban_user alice")
	}

	// The third complaint applies the ban and notifies alice.
	alice.expectLine("banned until")

	alice.send("message_from_client foo")
	alice.expectLine("banned until")

	alice.sync()
	assert.Equal(t, 0, srv.msgs.Count())
}

func TestReplayOnJoin(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 100
	srv := startServer(t, cfg)

	alice := dialServer(t, srv)
	alice.join("alice")
	for i := 0; i < 25; i++ {
		alice.send(fmt.Sprintf("message_from_client m%d", i))
	}
	alice.sync()

	erin := dialServer(t, srv)
	erin.join("erin")

	// The last 20 messages arrive in insertion order.
	for i := 5; i < 25; i++ {
		wm := decodeMessage(t, erin.expect(protocol.OpMessageFromSrv))
		assert.Equal(t, fmt.Sprintf("m%d", i), wm.Message)
	}
	erin.assertNoMessage(200 * time.Millisecond)

	// The first 5 were marked received so they never replay again.
	pending := srv.msgs.GetMessages(chat.Query{NotReceivedUser: "erin"})
	assert.Len(t, pending, 20)
}

func TestRetentionSweep(t *testing.T) {
	cfg := testConfig()
	cfg.Retention = 50 * time.Millisecond
	cfg.ReapInterval = 20 * time.Millisecond
	srv := startServer(t, cfg)

	alice := dialServer(t, srv)
	alice.join("alice")
	bob := dialServer(t, srv)
	bob.join("bob")

	alice.send("message_from_client ephemeral")
	wm := decodeMessage(t, bob.expect(protocol.OpMessageFromSrv))
	bob.approve(wm.UUID, "bob")
	bob.sync()

	assert.Eventually(t, func() bool { return srv.msgs.Count() == 0 },
		2*time.Second, 20*time.Millisecond, "acknowledged message should be reaped")
}

func TestUnknownOperatorIgnored(t *testing.T) {
	srv := startServer(t, testConfig())

	alice := dialServer(t, srv)
	alice.join("alice")

	alice.send("frobnicate something")
	// The connection survives and keeps working.
	stats := alice.sync()
	assert.Equal(t, []string{"alice"}, stats.Users)
}

func TestMalformedPayloadsDropped(t *testing.T) {
	srv := startServer(t, testConfig())

	alice := dialServer(t, srv)
	alice.join("alice")

	alice.send("message_approve {not json")
	alice.send("change_chat nonsense")
	alice.send("ban_user nobody_here")

	stats := alice.sync()
	assert.Equal(t, []string{"alice"}, stats.Users)
	assert.Equal(t, 0, srv.msgs.Count())
}

func TestDisconnectRemovesUserFromStatistics(t *testing.T) {
	srv := startServer(t, testConfig())

	alice := dialServer(t, srv)
	alice.join("alice")
	bob := dialServer(t, srv)
	bob.join("bob")

	bob.conn.Close()

	// Alice is pushed a statistics update once bob is gone.
	require.Eventually(t, func() bool {
		line, err := alice.readFrame(100 * time.Millisecond)
		if err != nil {
			return false
		}
		op, payload := protocol.Split(line)
		if op != protocol.OpSetStatistic {
			return false
		}
		var stats protocol.Statistics
		if err := protocol.UnmarshalPayload(payload, &stats); err != nil {
			return false
		}
		return len(stats.Users) == 1 && stats.Users[0] == "alice"
	}, frameWait, 10*time.Millisecond)
}
