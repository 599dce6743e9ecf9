// Command ordervoice-probe drives a running service through its websocket and
// reports connect and response latency.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/ordervoice/internal/protocol"
)

type options struct {
	baseURL      string
	turns        int
	speak        time.Duration
	startDelay   time.Duration
	interTurn    time.Duration
	turnTimeout  time.Duration
	assistantArg string
	verbose      bool
	out          io.Writer
}

type createSessionRequest struct {
	TurnMode      string `json:"turn_mode"`
	AssistantMode string `json:"assistant_mode,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	State  string `json:"state,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
	Item   struct {
		ID     string `json:"id"`
		Role   string `json:"role"`
		Status string `json:"status"`
	} `json:"item"`
}

// report holds the measured latencies of one run.
type report struct {
	Connect       time.Duration
	FirstResponse []time.Duration
	Completed     []time.Duration
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ordervoice-probe: %v\n", err)
		os.Exit(2)
	}
	rep, err := run(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ordervoice-probe: %v\n", err)
		os.Exit(1)
	}
	printReport(cfg.out, rep)
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("ordervoice-probe", flag.ContinueOnError)
	var cfg options
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "service base URL")
	fs.IntVar(&cfg.turns, "turns", 5, "number of manual turns to run")
	fs.DurationVar(&cfg.speak, "speak", 800*time.Millisecond, "how long each turn keeps the microphone open")
	fs.DurationVar(&cfg.startDelay, "start-delay", 300*time.Millisecond, "pause after connecting before the first turn")
	fs.DurationVar(&cfg.interTurn, "inter-turn", 200*time.Millisecond, "pause between turns")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 15*time.Second, "how long to wait for the assistant per turn")
	fs.StringVar(&cfg.assistantArg, "assistant-mode", "", "assistant mode for the probe session (standard|discovery)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.speak < 10*time.Millisecond {
		return options{}, fmt.Errorf("speak must be at least 10ms")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}
	cfg.out = os.Stdout
	return cfg, nil
}

func run(ctx context.Context, cfg options) (report, error) {
	ctx, cancel := context.WithTimeout(ctx, 8*time.Minute)
	defer cancel()
	if cfg.out == nil {
		cfg.out = io.Discard
	}

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return report{}, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()
	if cfg.verbose {
		fmt.Fprintf(cfg.out, "probe: session=%s turns=%d speak=%s\n", sessionID, cfg.turns, cfg.speak)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return report{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	msgs := make(chan wsEnvelope, 256)
	readErr := make(chan error, 1)
	go readLoop(conn, msgs, readErr, cfg)

	var rep report
	started := time.Now()
	if err := sendControl(conn, sessionID, protocol.ActionConnect); err != nil {
		return report{}, fmt.Errorf("send connect: %w", err)
	}
	seen := map[string]bool{}
	if _, err := await(msgs, readErr, cfg.turnTimeout, func(m wsEnvelope) bool {
		trackAssistant(seen, m)
		return m.Type == string(protocol.TypeSessionState) && m.State == "active"
	}); err != nil {
		return report{}, fmt.Errorf("await connect: %w", err)
	}
	rep.Connect = time.Since(started)

	// The greeting, if any, arrives now and must not count as a turn's reply.
	drain(msgs, cfg.startDelay, seen)

	for i := 0; i < cfg.turns; i++ {
		if err := sendControl(conn, sessionID, protocol.ActionStartTurn); err != nil {
			return rep, fmt.Errorf("turn %d start: %w", i+1, err)
		}
		time.Sleep(cfg.speak)
		ended := time.Now()
		if err := sendControl(conn, sessionID, protocol.ActionEndTurn); err != nil {
			return rep, fmt.Errorf("turn %d end: %w", i+1, err)
		}

		var replyID string
		if _, err := await(msgs, readErr, cfg.turnTimeout, func(m wsEnvelope) bool {
			if isNewAssistant(seen, m) {
				replyID = m.Item.ID
				return true
			}
			trackAssistant(seen, m)
			return false
		}); err != nil {
			return rep, fmt.Errorf("turn %d await response: %w", i+1, err)
		}
		rep.FirstResponse = append(rep.FirstResponse, time.Since(ended))
		seen[replyID] = true

		if _, err := await(msgs, readErr, cfg.turnTimeout, func(m wsEnvelope) bool {
			return m.Type == string(protocol.TypeConversationItem) && m.Item.ID == replyID && m.Item.Status == "completed"
		}); err != nil {
			return rep, fmt.Errorf("turn %d await completion: %w", i+1, err)
		}
		rep.Completed = append(rep.Completed, time.Since(ended))
		if cfg.verbose {
			fmt.Fprintf(cfg.out, "probe: turn %d/%d first=%s completed=%s\n", i+1, cfg.turns,
				rep.FirstResponse[i].Round(time.Millisecond), rep.Completed[i].Round(time.Millisecond))
		}
		if cfg.interTurn > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurn)
		}
	}

	_ = sendControl(conn, sessionID, protocol.ActionDisconnect)
	return rep, nil
}

func isNewAssistant(seen map[string]bool, m wsEnvelope) bool {
	return m.Type == string(protocol.TypeConversationItem) && m.Item.Role == "assistant" && !seen[m.Item.ID]
}

func trackAssistant(seen map[string]bool, m wsEnvelope) {
	if isNewAssistant(seen, m) {
		seen[m.Item.ID] = true
	}
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{TurnMode: "manual", AssistantMode: cfg.assistantArg})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, msgs chan<- wsEnvelope, readErr chan<- error, cfg options) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeFrequencies), string(protocol.TypeRealtimeEvent):
			continue
		case string(protocol.TypeErrorEvent):
			if cfg.verbose {
				fmt.Fprintf(cfg.out, "probe: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
		msgs <- env
	}
}

func sendControl(conn *websocket.Conn, sessionID, action string) error {
	return conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    action,
		TSMs:      time.Now().UnixMilli(),
	})
}

// await consumes messages until match accepts one.
func await(msgs <-chan wsEnvelope, readErr <-chan error, timeout time.Duration, match func(wsEnvelope) bool) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case m := <-msgs:
			if m.Type == string(protocol.TypeErrorEvent) {
				return m, fmt.Errorf("%s: %s", m.Code, m.Detail)
			}
			if match(m) {
				return m, nil
			}
		case err := <-readErr:
			return wsEnvelope{}, err
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

// drain consumes messages for d, remembering assistant items seen.
func drain(msgs <-chan wsEnvelope, d time.Duration, seen map[string]bool) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case m := <-msgs:
			trackAssistant(seen, m)
		case <-timer.C:
			return
		}
	}
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printReport(w io.Writer, rep report) {
	fmt.Fprintf(w, "connect: %s\n", rep.Connect.Round(time.Millisecond))
	fmt.Fprintf(w, "first response: p50=%s p95=%s\n",
		percentile(rep.FirstResponse, 0.5).Round(time.Millisecond),
		percentile(rep.FirstResponse, 0.95).Round(time.Millisecond))
	fmt.Fprintf(w, "completed: p50=%s p95=%s\n",
		percentile(rep.Completed, 0.5).Round(time.Millisecond),
		percentile(rep.Completed, 0.95).Round(time.Millisecond))
}
