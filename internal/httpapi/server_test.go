package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/ordervoice/internal/config"
	"github.com/ent0n29/ordervoice/internal/device"
	"github.com/ent0n29/ordervoice/internal/observability"
	"github.com/ent0n29/ordervoice/internal/orders"
	"github.com/ent0n29/ordervoice/internal/protocol"
	"github.com/ent0n29/ordervoice/internal/realtime"
	"github.com/ent0n29/ordervoice/internal/session"
	"github.com/ent0n29/ordervoice/internal/tools"
	"github.com/ent0n29/ordervoice/internal/turn"
)

func newTestServer(t *testing.T, devCfg device.VirtualConfig) *httptest.Server {
	t.Helper()
	return newTestServerWithOrders(t, devCfg, nil)
}

func newTestServerWithOrders(t *testing.T, devCfg device.VirtualConfig, store orders.Store) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		TurnMode:                 "continuous",
		RealtimeProvider:         "mock",
	}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test_httpapi")
	factory := func(id string, req session.CreateRequest) (*session.Manager, error) {
		mode, err := turn.ParseMode(req.TurnMode)
		if err != nil {
			return nil, err
		}
		assistant, err := tools.ParseMode(req.AssistantMode)
		if err != nil {
			return nil, err
		}
		agent := realtime.NewMockAgent(realtime.MockAgentConfig{})
		return session.NewManager(device.NewVirtual(devCfg), realtime.LoopbackDialer{Serve: agent.Serve}, session.Config{
			ID:            id,
			TurnMode:      mode,
			AssistantMode: assistant,
			Orders:        store,
			Metrics:       metrics,
		}), nil
	}
	registry := session.NewRegistry(cfg.SessionInactivityTimeout, factory, nil)
	t.Cleanup(registry.Close)

	api := New(cfg, registry, metrics, nil)
	if store != nil {
		api.SetOrderStore(store)
	}
	ts := httptest.NewServer(api.Router())
	t.Cleanup(ts.Close)
	return ts
}

func createSession(t *testing.T, ts *httptest.Server, body string) string {
	t.Helper()
	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created.State != session.StateIdle {
		t.Fatalf("created state = %q, want idle", created.State)
	}
	return created.SessionID
}

func do(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res.StatusCode, payload
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, device.VirtualConfig{Speed: 10})
	id := createSession(t, ts, `{"turn_mode":"manual"}`)
	base := ts.URL + "/v1/sessions/" + id

	status, payload := do(t, http.MethodPost, base+"/connect", nil)
	if status != http.StatusOK {
		t.Fatalf("connect status = %d, body = %v", status, payload)
	}
	if payload["state"] != "active" || payload["turn_mode"] != "manual" {
		t.Fatalf("connect payload = %v", payload)
	}

	if status, payload = do(t, http.MethodGet, base, nil); status != http.StatusOK || payload["state"] != "active" {
		t.Fatalf("get session = %d %v", status, payload)
	}
	if status, payload = do(t, http.MethodPost, base+"/turn/start", nil); status != http.StatusOK {
		t.Fatalf("turn/start status = %d, body = %v", status, payload)
	}
	time.Sleep(50 * time.Millisecond)
	if status, payload = do(t, http.MethodPost, base+"/turn/end", nil); status != http.StatusOK {
		t.Fatalf("turn/end status = %d, body = %v", status, payload)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, payload = do(t, http.MethodGet, base+"/items", nil)
		items, _ := payload["items"].([]any)
		if len(items) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("items after a manual turn = %v", payload)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if status, payload = do(t, http.MethodGet, base+"/events", nil); status != http.StatusOK {
		t.Fatalf("events status = %d", status)
	}
	if events, _ := payload["events"].([]any); len(events) == 0 {
		t.Fatalf("expected logged channel events")
	}
	if status, payload = do(t, http.MethodGet, base+"/frequencies?kind=voice", nil); status != http.StatusOK {
		t.Fatalf("frequencies status = %d", status)
	}
	if _, ok := payload["values"]; !ok {
		t.Fatalf("frequencies payload = %v", payload)
	}

	status, payload = do(t, http.MethodPut, base+"/mode", map[string]string{"mode": "continuous"})
	if status != http.StatusOK || payload["turn_mode"] != "continuous" {
		t.Fatalf("set mode = %d %v", status, payload)
	}

	if status, payload = do(t, http.MethodPost, base+"/disconnect", nil); status != http.StatusOK || payload["state"] != "idle" {
		t.Fatalf("disconnect = %d %v", status, payload)
	}
	if status, _ = do(t, http.MethodPost, base+"/end", nil); status != http.StatusOK {
		t.Fatalf("end status = %d, want %d", status, http.StatusOK)
	}
	if status, _ = do(t, http.MethodPost, base+"/connect", nil); status != http.StatusNotFound {
		t.Fatalf("connect after end status = %d, want %d", status, http.StatusNotFound)
	}
}

func TestSessionErrorsMapToStatuses(t *testing.T) {
	ts := newTestServer(t, device.VirtualConfig{Speed: 10})

	if status, _ := do(t, http.MethodPost, ts.URL+"/v1/sessions/missing/connect", nil); status != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want %d", status, http.StatusNotFound)
	}
	if status, _ := do(t, http.MethodPost, ts.URL+"/v1/sessions", map[string]string{"turn_mode": "sometimes"}); status != http.StatusBadRequest {
		t.Fatalf("bad turn mode status = %d, want %d", status, http.StatusBadRequest)
	}

	id := createSession(t, ts, "")
	base := ts.URL + "/v1/sessions/" + id

	status, payload := do(t, http.MethodPost, base+"/turn/start", nil)
	if status != http.StatusConflict || payload["code"] != "invalid_state" {
		t.Fatalf("turn/start while idle = %d %v", status, payload)
	}
	if status, _ = do(t, http.MethodPut, base+"/mode", map[string]string{"mode": "sometimes"}); status != http.StatusBadRequest {
		t.Fatalf("invalid mode status = %d, want %d", status, http.StatusBadRequest)
	}

	if status, _ = do(t, http.MethodPost, base+"/connect", nil); status != http.StatusOK {
		t.Fatalf("connect status = %d", status)
	}
	status, payload = do(t, http.MethodPost, base+"/turn/start", nil)
	if status != http.StatusConflict || payload["code"] != "turn_rejected" {
		t.Fatalf("turn/start in continuous mode = %d %v", status, payload)
	}
	status, payload = do(t, http.MethodDelete, base+"/items/nope", nil)
	if status != http.StatusNotFound || payload["code"] != "item_not_found" {
		t.Fatalf("delete unknown item = %d %v", status, payload)
	}
	status, payload = do(t, http.MethodPost, base+"/connect", nil)
	if status != http.StatusConflict || payload["code"] != "invalid_state" {
		t.Fatalf("second connect = %d %v", status, payload)
	}
}

func TestConnectWithoutSpeakerIsUnavailable(t *testing.T) {
	ts := newTestServer(t, device.VirtualConfig{NoOutput: true})
	id := createSession(t, ts, "")

	status, payload := do(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/connect", nil)
	if status != http.StatusServiceUnavailable || payload["code"] != "device_unavailable" {
		t.Fatalf("connect without speaker = %d %v", status, payload)
	}
	_, payload = do(t, http.MethodGet, ts.URL+"/v1/sessions/"+id, nil)
	if payload["state"] != "idle" || payload["last_error"] == nil {
		t.Fatalf("session after failed connect = %v", payload)
	}
}

func TestSessionWebsocketPushesAndControls(t *testing.T) {
	ts := newTestServer(t, device.VirtualConfig{Speed: 10})
	id := createSession(t, ts, `{"turn_mode":"continuous"}`)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	next := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return msg
	}
	waitFor := func(match func(map[string]any) bool) map[string]any {
		t.Helper()
		for i := 0; i < 500; i++ {
			if msg := next(); match(msg) {
				return msg
			}
		}
		t.Fatalf("expected message never arrived")
		return nil
	}

	first := next()
	if first["type"] != "session_state" || first["state"] != "idle" {
		t.Fatalf("first message = %v", first)
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "session_id": id, "action": "connect"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	waitFor(func(m map[string]any) bool { return m["type"] == "session_state" && m["state"] == "active" })
	waitFor(func(m map[string]any) bool { return m["type"] == "realtime_event" })
	waitFor(func(m map[string]any) bool { return m["type"] == "frequencies" })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_control","session_id":"`+id+`","action":"dance"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	bad := waitFor(func(m map[string]any) bool { return m["type"] == "error_event" })
	if bad["code"] != "invalid_client_message" {
		t.Fatalf("error code = %v", bad["code"])
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "session_id": id, "action": "start_turn"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	rejected := waitFor(func(m map[string]any) bool { return m["type"] == "error_event" })
	if rejected["code"] != "turn_rejected" {
		t.Fatalf("start_turn in continuous mode code = %v", rejected["code"])
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "session_id": id, "action": "disconnect"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	waitFor(func(m map[string]any) bool { return m["type"] == "session_state" && m["state"] == "idle" })
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, device.VirtualConfig{})
	for _, path := range []string{"/healthz", "/readyz"} {
		status, payload := do(t, http.MethodGet, ts.URL+path, nil)
		if status != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, status)
		}
		if payload["agent_provider"] != "mock" {
			t.Fatalf("GET %s agent_provider = %v, want mock", path, payload["agent_provider"])
		}
	}
}

func TestSessionOrdersListing(t *testing.T) {
	store := orders.NewInMemoryStore()
	ts := newTestServerWithOrders(t, device.VirtualConfig{}, store)
	id := createSession(t, ts, `{}`)

	code, body := do(t, http.MethodGet, ts.URL+"/v1/sessions/"+id+"/orders", nil)
	if code != http.StatusOK {
		t.Fatalf("orders status = %d, want %d", code, http.StatusOK)
	}
	if list, _ := body["orders"].([]any); len(list) != 0 {
		t.Fatalf("orders = %v, want empty", body["orders"])
	}

	items := []orders.LineItem{{Name: "Beef Shawarma", Quantity: 2, Price: 12.99}}
	if _, err := store.Submit(context.Background(), orders.Order{SessionID: id, Items: items, TotalAmount: orders.Total(items)}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := store.Submit(context.Background(), orders.Order{SessionID: "someone-else", Items: items, TotalAmount: orders.Total(items)}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	code, body = do(t, http.MethodGet, ts.URL+"/v1/sessions/"+id+"/orders", nil)
	if code != http.StatusOK {
		t.Fatalf("orders status = %d, want %d", code, http.StatusOK)
	}
	list, _ := body["orders"].([]any)
	if len(list) != 1 {
		t.Fatalf("orders = %v, want one", body["orders"])
	}
	if got := list[0].(map[string]any)["totalAmount"]; got != 25.98 {
		t.Fatalf("totalAmount = %v, want 25.98", got)
	}

	if code, _ := do(t, http.MethodGet, ts.URL+"/v1/sessions/missing/orders", nil); code != http.StatusNotFound {
		t.Fatalf("unknown session orders status = %d, want %d", code, http.StatusNotFound)
	}

	plain := newTestServer(t, device.VirtualConfig{})
	other := createSession(t, plain, `{}`)
	if code, _ := do(t, http.MethodGet, plain.URL+"/v1/sessions/"+other+"/orders", nil); code != http.StatusNotImplemented {
		t.Fatalf("orders without store status = %d, want %d", code, http.StatusNotImplemented)
	}
}

func TestAgentErrorEventsCarryRetryable(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"rate limit", realtime.ServerError{Code: "rate_limit_exceeded", Retryable: true}, "agent_error", true},
		{"bad request", realtime.ServerError{Code: "invalid_value"}, "agent_error", false},
		{"wrapped", fmt.Errorf("turn: %w", realtime.ServerError{Code: "server_error", Retryable: true}), "agent_error", true},
		{"connect", fmt.Errorf("%w: dial", session.ErrConnectionFailed), "connection_failed", true},
		{"state", session.ErrInvalidStateTransition, "invalid_state", false},
	}
	for _, tc := range cases {
		msg := notificationMessage("sess-1", nil, session.Notification{Kind: session.NotifyError, Err: tc.err})
		ev, ok := msg.(protocol.ErrorEvent)
		if !ok {
			t.Fatalf("%s: message = %T, want protocol.ErrorEvent", tc.name, msg)
		}
		if ev.Code != tc.code || ev.Retryable != tc.retryable {
			t.Fatalf("%s: code=%q retryable=%v, want %q %v", tc.name, ev.Code, ev.Retryable, tc.code, tc.retryable)
		}
	}
}
