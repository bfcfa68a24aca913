// ABOUTME: End-to-end gateway tests over real WebSocket connections.
// ABOUTME: Covers ordering, frame rejection, desync replies, origin checks, and heartbeats.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/canvas-gateway/internal/config"
	"github.com/2389/canvas-gateway/internal/genai"
	"github.com/2389/canvas-gateway/internal/orchestrator"
	"github.com/2389/canvas-gateway/internal/protocol"
	"github.com/2389/canvas-gateway/internal/session"
)

// scriptedClient replays one event sequence per Stream call.
type scriptedClient struct {
	scripts [][]genai.Event
}

func (f *scriptedClient) Stream(ctx context.Context, req genai.Request) (*genai.Stream, error) {
	if len(f.scripts) == 0 {
		return nil, fmt.Errorf("scriptedClient: no script left")
	}
	script := f.scripts[0]
	f.scripts = f.scripts[1:]
	return genai.ScriptedStream(script...), nil
}

type testGateway struct {
	server *Server
	ts     *httptest.Server
	store  *session.Store
}

func newTestGateway(t *testing.T, client orchestrator.GenerationClient, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := config.Default()
	cfg.Gateway.DevMode = true
	cfg.Gateway.HeartbeatInterval = 100 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	store := session.NewStore(cfg.Sessions.TTL, cfg.Sessions.SweepInterval, nil)
	t.Cleanup(store.Close)

	orch := orchestrator.New(store, client, nil, "test instructions", nil, nil)
	srv := NewServer(cfg, orch, store, nil)

	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	return &testGateway{server: srv, ts: ts, store: store}
}

func (g *testGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/ws"
}

func dial(t *testing.T, g *testGateway, header http.Header) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(g.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func sendChat(t *testing.T, ws *websocket.Conn, message, sessionID string) {
	t.Helper()
	data, err := protocol.Marshal(protocol.TypeChatMessage, protocol.ChatMessage{Message: message, SessionID: sessionID})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func textScript(token string, deltas ...string) []genai.Event {
	events := []genai.Event{{Type: genai.EventStarted, ContinuationToken: token}}
	var full strings.Builder
	for _, d := range deltas {
		full.WriteString(d)
		events = append(events, genai.Event{Type: genai.EventTextDelta, TextDelta: d})
	}
	return append(events, genai.Event{
		Type:              genai.EventCompleted,
		FinalText:         full.String(),
		ContinuationToken: token,
		Status:            genai.StatusCompleted,
	})
}

func TestConnect_Greeting(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, nil)
	ws := dial(t, g, nil)

	env := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeConnectionEstablished, env.Type)

	var greeting protocol.ConnectionEstablished
	require.NoError(t, json.Unmarshal(env.Payload, &greeting))
	assert.NotEmpty(t, greeting.ClientID)
}

func TestChat_DeterministicOrdering(t *testing.T) {
	// Ordering must hold on every run, not eventually.
	for run := 0; run < 5; run++ {
		client := &scriptedClient{scripts: [][]genai.Event{textScript("resp_1", "a", "b")}}
		g := newTestGateway(t, client, nil)
		ws := dial(t, g, nil)
		readEnvelope(t, ws) // connection_established

		sendChat(t, ws, "hi", "")

		var types []string
		var chunks []string
		for {
			env := readEnvelope(t, ws)
			types = append(types, env.Type)
			if env.Type == protocol.TypeStreamChunk {
				var chunk protocol.StreamChunk
				require.NoError(t, json.Unmarshal(env.Payload, &chunk))
				chunks = append(chunks, chunk.Text)
			}
			if env.Type == protocol.TypeStreamEnd {
				break
			}
		}

		assert.Equal(t, []string{
			protocol.TypeSessionUpdate,
			protocol.TypeStreamStart,
			protocol.TypeStreamChunk,
			protocol.TypeStreamChunk,
			protocol.TypeStreamEnd,
		}, types, "run %d", run)
		assert.Equal(t, []string{"a", "b"}, chunks, "run %d", run)
	}
}

func TestOversizedFrame_RejectedConnectionSurvives(t *testing.T) {
	client := &scriptedClient{scripts: [][]genai.Event{textScript("resp_1", "ok")}}
	g := newTestGateway(t, client, nil)
	ws := dial(t, g, nil)
	readEnvelope(t, ws)

	big := strings.Repeat("x", protocol.MaxFrameBytes+1)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(big)))

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeError, env.Type)
	var errPayload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, protocol.CodeBadRequest, errPayload.Code)

	// The connection is still usable.
	sendChat(t, ws, "still here?", "")
	env = readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeSessionUpdate, env.Type)
}

func TestMalformedFrame_BadRequest(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, nil)
	ws := dial(t, g, nil)
	readEnvelope(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeError, env.Type)
	var errPayload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, protocol.CodeBadRequest, errPayload.Code)
}

func TestUnknownMessageType_BadRequest(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, nil)
	ws := dial(t, g, nil)
	readEnvelope(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","payload":{}}`)))

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeError, env.Type)
	var errPayload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, protocol.CodeBadRequest, errPayload.Code)
}

func TestFunctionResult_UnknownSession_SessionError(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, nil)
	ws := dial(t, g, nil)
	readEnvelope(t, ws)

	data, err := protocol.Marshal(protocol.TypeFunctionResult, protocol.FunctionResult{
		SessionID:          "no-such-session",
		FunctionCallOutput: protocol.FunctionCallOutput{CallID: "c1", Output: "{}"},
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeError, env.Type)
	var errPayload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, protocol.CodeSessionError, errPayload.Code)
}

func TestToolCallRoundTripOverWire(t *testing.T) {
	client := &scriptedClient{scripts: [][]genai.Event{
		{
			{Type: genai.EventStarted, ContinuationToken: "resp_1"},
			{Type: genai.EventToolCall, ToolCall: &genai.ToolCall{CallID: "c1", Name: "detectAllNodes", Arguments: "{}"}},
			{Type: genai.EventCompleted, ContinuationToken: "resp_1", Status: genai.StatusCompleted},
		},
		textScript("resp_2", "No nodes found."),
	}}
	g := newTestGateway(t, client, nil)
	ws := dial(t, g, nil)
	readEnvelope(t, ws)

	sendChat(t, ws, "scan it", "")

	var sessionID string
	var call *protocol.FunctionCall
	for call == nil {
		env := readEnvelope(t, ws)
		switch env.Type {
		case protocol.TypeSessionUpdate:
			var upd protocol.SessionUpdate
			require.NoError(t, json.Unmarshal(env.Payload, &upd))
			sessionID = upd.SessionID
		case protocol.TypeStreamChunk:
			var chunk protocol.StreamChunk
			require.NoError(t, json.Unmarshal(env.Payload, &chunk))
			call = chunk.FunctionCall
		}
	}
	require.Equal(t, "c1", call.CallID)
	require.NotEmpty(t, sessionID)

	data, err := protocol.Marshal(protocol.TypeFunctionResult, protocol.FunctionResult{
		SessionID:          sessionID,
		FunctionCallOutput: protocol.FunctionCallOutput{CallID: "c1", Output: `{"nodes":[]}`},
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	var sawText bool
	for {
		env := readEnvelope(t, ws)
		if env.Type == protocol.TypeStreamChunk {
			var chunk protocol.StreamChunk
			require.NoError(t, json.Unmarshal(env.Payload, &chunk))
			if chunk.Text != "" {
				sawText = true
			}
		}
		if env.Type == protocol.TypeStreamEnd {
			break
		}
	}
	assert.True(t, sawText)

	snap, ok := g.store.Snapshot(sessionID)
	require.True(t, ok)
	last := snap.History[len(snap.History)-1]
	assert.Equal(t, session.TurnAssistant, last.Kind)
	assert.Equal(t, "No nodes found.", last.Text)
}

func TestOriginRejected(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, func(cfg *config.Config) {
		cfg.Gateway.DevMode = false
		cfg.Gateway.AllowedOrigins = []string{"https://canvas.example.com"}
	})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOriginAllowed(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, func(cfg *config.Config) {
		cfg.Gateway.DevMode = false
		cfg.Gateway.AllowedOrigins = []string{"https://canvas.example.com"}
	})

	header := http.Header{"Origin": []string{"https://canvas.example.com"}}
	ws, _, err := websocket.DefaultDialer.Dial(g.wsURL(), header)
	require.NoError(t, err)
	defer ws.Close()

	env := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeConnectionEstablished, env.Type)
}

func TestHeartbeat_DeadPeerTerminated(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, func(cfg *config.Config) {
		cfg.Gateway.HeartbeatInterval = 50 * time.Millisecond
	})
	ws := dial(t, g, nil)
	readEnvelope(t, ws)

	// Swallow pings instead of answering them; keep reading so the
	// handler actually runs.
	ws.SetPingHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		return g.server.connectionCount() == 0
	}, 2*time.Second, 20*time.Millisecond, "dead peer should be reaped within two probe intervals")
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, nil)

	resp, err := http.Get(g.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
