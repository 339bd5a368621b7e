package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-harness/envelope"
)

type acceptedEnvelope struct {
	instance string
	env      envelope.Envelope
}

type fakeAcceptor struct {
	mu       sync.Mutex
	got      []acceptedEnvelope
	known    map[string]bool
	draining bool
}

func newFakeAcceptor(instances ...string) *fakeAcceptor {
	known := make(map[string]bool)
	for _, id := range instances {
		known[id] = true
	}
	return &fakeAcceptor{known: known}
}

func (f *fakeAcceptor) AcceptEnvelope(instanceID string, env envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[instanceID] {
		return ErrUnknownInstance
	}
	if f.draining {
		return ErrDraining
	}
	f.got = append(f.got, acceptedEnvelope{instance: instanceID, env: env})
	return nil
}

func (f *fakeAcceptor) received() []acceptedEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]acceptedEnvelope(nil), f.got...)
}

func newTestServer(t *testing.T, acc Acceptor) *httptest.Server {
	s, err := NewServer(Config{
		Log:          log.NewLogger(log.DiscardHandler()),
		ClientConfig: ClientConfig{TestPackage: "tests.xap", TagFilter: "smoke"},
	}, acc)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

const passedEnvelope = `{"kind":"TestResult","granularity":"TestScenario","decorators":{"outcome":"Passed","methodMetadata":{"class":"C","method":"T1"}}}`

func post(t *testing.T, url, body string, header map[string]string) (int, ackResponse) {
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var ack ackResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	return resp.StatusCode, ack
}

// TestPostEnvelopes covers single, batch, invalid and rejected posts
func TestPostEnvelopes(t *testing.T) {
	acc := newFakeAcceptor("a")
	ts := newTestServer(t, acc)

	tests := []struct {
		name     string
		instance string
		body     string
		status   int
		accepted int
	}{
		{name: "single", instance: "a", body: passedEnvelope, status: http.StatusAccepted, accepted: 1},
		{name: "batch", instance: "a", body: "[" + passedEnvelope + "," + passedEnvelope + "]", status: http.StatusAccepted, accepted: 2},
		{name: "invalid json", instance: "a", body: "{", status: http.StatusBadRequest},
		{name: "unknown instance", instance: "zzz", body: passedEnvelope, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, ack := post(t, ts.URL+"/agents/"+tt.instance+"/envelopes", tt.body, nil)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.accepted, ack.Accepted)
		})
	}
	got := acc.received()
	require.Len(t, got, 3)
	assert.Equal(t, envelope.KindTestResult, got[0].env.Kind())
}

// TestPostEnvelopesDraining maps a closed intake to 503
func TestPostEnvelopesDraining(t *testing.T) {
	acc := newFakeAcceptor("a")
	acc.draining = true
	ts := newTestServer(t, acc)
	status, ack := post(t, ts.URL+"/agents/a/envelopes", passedEnvelope, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, ack.Error, "intake closed")
}

// TestPostEnvelopesDedupe drops retried batches with a known sequence number
func TestPostEnvelopesDedupe(t *testing.T) {
	acc := newFakeAcceptor("a", "b")
	ts := newTestServer(t, acc)

	status, _ := post(t, ts.URL+"/agents/a/envelopes", passedEnvelope, map[string]string{SeqHeader: "1"})
	assert.Equal(t, http.StatusAccepted, status)
	status, ack := post(t, ts.URL+"/agents/a/envelopes", passedEnvelope, map[string]string{SeqHeader: "1"})
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, ack.Duplicate)

	// the same sequence number from another instance is not a duplicate
	status, _ = post(t, ts.URL+"/agents/b/envelopes", passedEnvelope, map[string]string{SeqHeader: "1"})
	assert.Equal(t, http.StatusAccepted, status)

	status, _ = post(t, ts.URL+"/agents/a/envelopes", passedEnvelope, map[string]string{SeqHeader: "x"})
	assert.Equal(t, http.StatusBadRequest, status)

	assert.Len(t, acc.received(), 2)
}

// TestPostEnvelopesRetryAfterReject accepts a retried sequence number after a rejected attempt
func TestPostEnvelopesRetryAfterReject(t *testing.T) {
	acc := newFakeAcceptor("a")
	acc.draining = true
	ts := newTestServer(t, acc)
	seq := map[string]string{SeqHeader: "7"}

	status, _ := post(t, ts.URL+"/agents/a/envelopes", passedEnvelope, seq)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	acc.mu.Lock()
	acc.draining = false
	acc.mu.Unlock()

	status, ack := post(t, ts.URL+"/agents/a/envelopes", passedEnvelope, seq)
	assert.Equal(t, http.StatusAccepted, status)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, 1, ack.Accepted)

	status, ack = post(t, ts.URL+"/agents/a/envelopes", passedEnvelope, seq)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, ack.Duplicate)
	assert.Len(t, acc.received(), 1)
}

// TestPostEnvelopesMalformedElement delivers the rest of a batch around a malformed envelope
func TestPostEnvelopesMalformedElement(t *testing.T) {
	acc := newFakeAcceptor("a")
	ts := newTestServer(t, acc)
	const completeEnvelope = `{"kind":"TestInfrastructure","granularity":"Harness","decorators":{"stage":"Completed"}}`

	tests := []struct {
		name     string
		body     string
		status   int
		accepted int
		skipped  int
	}{
		{
			name:     "bad timestamp is left for translation",
			body:     "[" + passedEnvelope + `,{"kind":"TestResult","granularity":"TestScenario","decorators":{"timestamp":"not-a-time"}}]`,
			status:   http.StatusAccepted,
			accepted: 2,
		},
		{
			name:     "undecodable element is skipped",
			body:     "[" + passedEnvelope + `,{"granularity":"Test"},` + completeEnvelope + "]",
			status:   http.StatusAccepted,
			accepted: 2,
			skipped:  1,
		},
		{
			name:    "nothing decodable",
			body:    `[{"granularity":"Test"}]`,
			status:  http.StatusBadRequest,
			skipped: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, ack := post(t, ts.URL+"/agents/a/envelopes", tt.body, nil)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.accepted, ack.Accepted)
			assert.Equal(t, tt.skipped, ack.Skipped)
		})
	}

	got := acc.received()
	require.Len(t, got, 4)
	assert.Equal(t, envelope.KindTestInfrastructure, got[3].env.Kind())
}

// TestStreamEnvelopes sends envelopes over the websocket stream in order
func TestStreamEnvelopes(t *testing.T) {
	acc := newFakeAcceptor("a")
	ts := newTestServer(t, acc)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/agents/a/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(passedEnvelope)))
		var ack ackResponse
		require.NoError(t, conn.ReadJSON(&ack))
		assert.Equal(t, 1, ack.Accepted)
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var ack ackResponse
	require.NoError(t, conn.ReadJSON(&ack))
	assert.NotEmpty(t, ack.Error)

	assert.Len(t, acc.received(), 3)
}

// TestStreamClosesOnDrain verifies the stream is closed once intake stops
func TestStreamClosesOnDrain(t *testing.T) {
	acc := newFakeAcceptor("a")
	ts := newTestServer(t, acc)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/agents/a/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	acc.mu.Lock()
	acc.draining = true
	acc.mu.Unlock()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(passedEnvelope)))
	var ack ackResponse
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Contains(t, ack.Error, "intake closed")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error %v", err)
}

// TestClientConfigAndTestPage covers the agent bootstrap endpoints
func TestClientConfigAndTestPage(t *testing.T) {
	ts := newTestServer(t, newFakeAcceptor())

	resp, err := http.Get(ts.URL + "/client-config?instance=agent-1")
	require.NoError(t, err)
	var cfg ClientConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	resp.Body.Close()
	assert.Equal(t, ProtocolVersion, cfg.ProtocolVersion)
	assert.Equal(t, "agent-1", cfg.InstanceID)
	assert.Equal(t, "smoke", cfg.TagFilter)

	resp, err = http.Get(ts.URL + "/test-page?instance=agent-1")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `data-instance="agent-1"`)
	assert.Contains(t, string(body), "/agents/agent-1/stream")

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestServerStartStop binds a real port and builds the test page url
func TestServerStartStop(t *testing.T) {
	s, err := NewServer(Config{Log: log.NewLogger(log.DiscardHandler()), ListenAddr: "127.0.0.1:0"}, newFakeAcceptor())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	pageURL := s.TestPageURL("tag=smoke", "agent-2")
	assert.True(t, strings.HasPrefix(pageURL, "http://127.0.0.1:"))
	assert.Contains(t, pageURL, "instance=agent-2")
	assert.Contains(t, pageURL, "tag=smoke")

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

// TestPageURLQuery keeps a valid query and warns about one that does not parse
func TestPageURLQuery(t *testing.T) {
	var logs bytes.Buffer
	s, err := NewServer(Config{
		Log:        log.NewLogger(log.NewTerminalHandler(&logs, false)),
		ListenAddr: "127.0.0.1:8887",
	}, newFakeAcceptor())
	require.NoError(t, err)

	tests := []struct {
		name    string
		query   string
		want    string
		warning bool
	}{
		{name: "plain", query: "tag=smoke", want: "http://127.0.0.1:8887/test-page?instance=a&tag=smoke"},
		{name: "leading question mark", query: "?tag=smoke", want: "http://127.0.0.1:8887/test-page?instance=a&tag=smoke"},
		{name: "invalid escape", query: "tag=%zz", want: "http://127.0.0.1:8887/test-page?instance=a", warning: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs.Reset()
			assert.Equal(t, tt.want, s.TestPageURL(tt.query, "a"))
			assert.Equal(t, tt.warning, strings.Contains(logs.String(), "Ignoring invalid test page query string"))
		})
	}
}

// TestNewServerRequiresAcceptor rejects a nil acceptor
func TestNewServerRequiresAcceptor(t *testing.T) {
	_, err := NewServer(Config{}, nil)
	assert.Error(t, err)
}
