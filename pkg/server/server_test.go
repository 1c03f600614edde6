package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meg1134/mcpwire/pkg/client"
	"github.com/Meg1134/mcpwire/pkg/protocol"
	"github.com/Meg1134/mcpwire/pkg/transport"
	"github.com/Meg1134/mcpwire/pkg/utils"
)

// startServer starts a server on an ephemeral port and registers cleanup.
func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithHeartbeatInterval(0)}, opts...)
	srv := New("127.0.0.1:0", opts...)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

// dialRaw opens a framed connection straight to the server for wire-level
// assertions.
func dialRaw(t *testing.T, srv *Server) *transport.FrameConn {
	t.Helper()
	conn, err := transport.Dial(context.Background(), srv.Addr().String(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *transport.FrameConn, msg *protocol.Message) *protocol.Message {
	t.Helper()
	data, err := protocol.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(data))

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	reply, err := protocol.Unmarshal(frame)
	require.NoError(t, err)
	return reply
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestServerStartStopLifecycle(t *testing.T) {
	srv := New("127.0.0.1:0", WithHeartbeatInterval(0))

	// Stop before Start is a no-op.
	require.NoError(t, srv.Stop())

	require.NoError(t, srv.Start(context.Background()))
	require.NotNil(t, srv.Addr())

	// Second Start is a no-op while running.
	require.NoError(t, srv.Start(context.Background()))

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())

	// The server is restartable after a clean stop.
	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop())
}

func TestServerBindFailure(t *testing.T) {
	first := startServer(t)

	second := New(first.Addr().String(), WithHeartbeatInterval(0))
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to bind")
}

func TestServerServesRegisteredHandler(t *testing.T) {
	srv := startServer(t)
	srv.RegisterHandler("math.add", func(ctx context.Context, params protocol.Params) (interface{}, error) {
		a, _ := params["a"].(float64)
		b, _ := params["b"].(float64)
		return map[string]interface{}{"sum": a + b}, nil
	})

	conn := dialRaw(t, srv)
	reply := roundTrip(t, conn, protocol.NewRequest("math.add", protocol.Params{"a": 2.0, "b": 3.0}, "req-1"))

	require.Equal(t, protocol.KindResponse, reply.Kind)
	assert.Equal(t, "req-1", reply.ID)

	var result map[string]float64
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.Equal(t, 5.0, result["sum"])
}

func TestServerDefaultHandlers(t *testing.T) {
	srv := startServer(t, WithName("control-plane"), WithVersion("1.2.3"), WithDescription("test fixture"))
	conn := dialRaw(t, srv)

	pong := roundTrip(t, conn, protocol.NewRequest("ping", nil, "p1"))
	require.Equal(t, protocol.KindResponse, pong.Kind)
	var pongBody map[string]interface{}
	require.NoError(t, json.Unmarshal(pong.Result, &pongBody))
	assert.Equal(t, true, pongBody["pong"])
	assert.NotEmpty(t, pongBody["timestamp"])

	info := roundTrip(t, conn, protocol.NewRequest("server.info", nil, "p2"))
	require.Equal(t, protocol.KindResponse, info.Kind)
	var infoBody struct {
		Name    string   `json:"name"`
		Version string   `json:"version"`
		Methods []string `json:"methods"`
	}
	require.NoError(t, json.Unmarshal(info.Result, &infoBody))
	assert.Equal(t, "control-plane", infoBody.Name)
	assert.Equal(t, "1.2.3", infoBody.Version)
	assert.Contains(t, infoBody.Methods, "ping")
	assert.Contains(t, infoBody.Methods, "server.info")
}

func TestServerUnknownMethod(t *testing.T) {
	srv := startServer(t)
	conn := dialRaw(t, srv)

	reply := roundTrip(t, conn, protocol.NewRequest("no.such.method", nil, "q1"))

	require.Equal(t, protocol.KindError, reply.Kind)
	assert.Equal(t, "q1", reply.ID)
	assert.Equal(t, protocol.MethodNotFound, reply.Err.Code)
	assert.Equal(t, "Method not found", reply.Err.Message)
	assert.Equal(t, "Method 'no.such.method' is not supported", reply.Err.Data)
}

func TestServerHandlerError(t *testing.T) {
	srv := startServer(t)
	srv.RegisterHandler("always.fails", func(ctx context.Context, params protocol.Params) (interface{}, error) {
		return nil, errors.New("storage offline")
	})

	conn := dialRaw(t, srv)
	reply := roundTrip(t, conn, protocol.NewRequest("always.fails", nil, "e1"))

	require.Equal(t, protocol.KindError, reply.Kind)
	assert.Equal(t, protocol.InternalError, reply.Err.Code)
	assert.Equal(t, "Internal error", reply.Err.Message)
	assert.Equal(t, "storage offline", reply.Err.Data)
}

func TestServerMalformedFrame(t *testing.T) {
	srv := startServer(t)
	conn := dialRaw(t, srv)

	require.NoError(t, conn.WriteFrame([]byte("{not json")))
	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	reply, err := protocol.Unmarshal(frame)
	require.NoError(t, err)

	require.Equal(t, protocol.KindError, reply.Kind)
	assert.Equal(t, protocol.UnknownID, reply.ID)
	assert.Equal(t, protocol.ParseError, reply.Err.Code)
	assert.Equal(t, "Parse error", reply.Err.Message)
}

func TestServerNotificationProducesNoReply(t *testing.T) {
	srv := startServer(t)

	received := make(chan protocol.Params, 1)
	srv.RegisterHandler("status.update", func(ctx context.Context, params protocol.Params) (interface{}, error) {
		received <- params
		return nil, nil
	})

	conn := dialRaw(t, srv)
	data, err := protocol.Marshal(protocol.NewNotification("status.update", protocol.Params{"state": "ready"}))
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(data))

	select {
	case params := <-received:
		assert.Equal(t, "ready", params["state"])
	case <-time.After(2 * time.Second):
		t.Fatal("notification never dispatched")
	}

	// A request after the notification gets the next frame; no reply was
	// written for the notification itself.
	reply := roundTrip(t, conn, protocol.NewRequest("ping", nil, "after"))
	assert.Equal(t, "after", reply.ID)
}

func TestServerBroadcast(t *testing.T) {
	srv := startServer(t)

	// No clients: zero deliveries, no error.
	n, err := srv.Broadcast("announce", protocol.Params{"seq": 1})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	connA := dialRaw(t, srv)
	connB := dialRaw(t, srv)
	waitFor(t, 2*time.Second, func() bool { return srv.ConnectionCount() == 2 })

	n, err = srv.Broadcast("announce", protocol.Params{"seq": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, conn := range []*transport.FrameConn{connA, connB} {
		frame, err := conn.ReadFrame()
		require.NoError(t, err)
		msg, err := protocol.Unmarshal(frame)
		require.NoError(t, err)
		assert.Equal(t, protocol.KindNotification, msg.Kind)
		assert.Equal(t, "announce", msg.Method)
		assert.Equal(t, 2.0, msg.Params["seq"])
	}
}

func TestServerBroadcastPrunesDeadConnections(t *testing.T) {
	srv := startServer(t)

	live := dialRaw(t, srv)
	dead := dialRaw(t, srv)
	waitFor(t, 2*time.Second, func() bool { return srv.ConnectionCount() == 2 })

	require.NoError(t, dead.Close())
	// The server needs to notice; writes to a freshly closed TCP socket can
	// still succeed, so broadcast until the set shrinks.
	waitFor(t, 2*time.Second, func() bool {
		_, _ = srv.Broadcast("announce", nil)
		return srv.ConnectionCount() == 1
	})

	n, err := srv.Broadcast("final", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Drain whatever the live client accumulated; the last frame is ours.
	var last *protocol.Message
	for {
		frame, err := live.ReadFrame()
		require.NoError(t, err)
		msg, err := protocol.Unmarshal(frame)
		require.NoError(t, err)
		last = msg
		if msg.Method == "final" {
			break
		}
	}
	assert.Equal(t, "final", last.Method)
}

func TestServerHeartbeat(t *testing.T) {
	srv := New("127.0.0.1:0", WithHeartbeatInterval(20*time.Millisecond))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })

	conn := dialRaw(t, srv)

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	msg, err := protocol.Unmarshal(frame)
	require.NoError(t, err)

	assert.Equal(t, protocol.KindNotification, msg.Kind)
	assert.Equal(t, "heartbeat", msg.Method)
	ts, ok := msg.Params["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, ts)
	assert.NoError(t, err)
}

func TestServerStopClosesClients(t *testing.T) {
	srv := New("127.0.0.1:0", WithHeartbeatInterval(0))
	require.NoError(t, srv.Start(context.Background()))

	conn := dialRaw(t, srv)
	waitFor(t, 2*time.Second, func() bool { return srv.ConnectionCount() == 1 })

	require.NoError(t, srv.Stop())
	assert.Equal(t, 0, srv.ConnectionCount())

	_, err := conn.ReadFrame()
	assert.Error(t, err)
}

func TestServerWithClientSession(t *testing.T) {
	srv := startServer(t)
	srv.RegisterHandler("echo", func(ctx context.Context, params protocol.Params) (interface{}, error) {
		return params, nil
	})

	sess := client.New(srv.Addr().String(), client.WithAutoReconnect(false))
	require.NoError(t, sess.Connect(context.Background()))
	t.Cleanup(func() { _ = sess.Disconnect() })

	raw, err := sess.SendRequest(context.Background(), "echo", protocol.Params{"msg": "hello"}, 2*time.Second)
	require.NoError(t, err)

	var echoed map[string]string
	require.NoError(t, json.Unmarshal(raw, &echoed))
	assert.Equal(t, "hello", echoed["msg"])
}

func TestServerConcurrentRequests(t *testing.T) {
	srv := startServer(t)
	srv.RegisterHandler("slow.echo", func(ctx context.Context, params protocol.Params) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return params, nil
	})

	sess := client.New(srv.Addr().String(), client.WithAutoReconnect(false))
	require.NoError(t, sess.Connect(context.Background()))
	t.Cleanup(func() { _ = sess.Disconnect() })

	const count = 16
	results := make(chan error, count)
	for i := 0; i < count; i++ {
		i := i
		go func() {
			raw, err := sess.SendRequest(context.Background(), "slow.echo",
				protocol.Params{"n": float64(i)}, 5*time.Second)
			if err != nil {
				results <- err
				return
			}
			var body map[string]float64
			if err := json.Unmarshal(raw, &body); err != nil {
				results <- err
				return
			}
			if body["n"] != float64(i) {
				results <- errors.New("reply correlated to the wrong request")
				return
			}
			results <- nil
		}()
	}
	for i := 0; i < count; i++ {
		require.NoError(t, <-results)
	}
}

func TestServerReleasesGoroutinesOnStop(t *testing.T) {
	check := utils.LeakCheck(t, 3*time.Second)

	srv := New("127.0.0.1:0", WithHeartbeatInterval(0))
	require.NoError(t, srv.Start(context.Background()))

	conn, err := transport.Dial(context.Background(), srv.Addr().String(), 0)
	require.NoError(t, err)
	reply := roundTrip(t, conn, protocol.NewRequest("ping", nil, "g1"))
	require.Equal(t, protocol.KindResponse, reply.Kind)

	require.NoError(t, srv.Stop())
	_ = conn.Close()
	check()
}

func TestServerRateLimitStillServes(t *testing.T) {
	srv := startServer(t, WithRateLimit(200, 5))
	conn := dialRaw(t, srv)

	for i := 0; i < 10; i++ {
		reply := roundTrip(t, conn, protocol.NewRequest("ping", nil, "rl"))
		require.Equal(t, protocol.KindResponse, reply.Kind)
	}
}
