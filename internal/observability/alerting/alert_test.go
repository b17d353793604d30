package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "AgentShield/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	mu      sync.Mutex
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversAndJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	failing := &recordingNotifier{channel: ChannelSlack, err: errors.New("boom")}
	dispatcher := NewFanout(ok, failing, nil)

	err := dispatcher.Notify(context.Background(), Event{Code: "OVERFLOW", Severity: xerrors.SeverityCritical})
	if err == nil || !strings.Contains(err.Error(), "channel slack") {
		t.Fatalf("expected joined channel error, got %v", err)
	}
	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("expected both notifiers to be called")
	}
}

func TestFanoutMinimumSeverity(t *testing.T) {
	rec := &recordingNotifier{channel: ChannelLog}
	dispatcher := NewFanout(rec).WithMinimumSeverity(xerrors.SeverityWarning)

	_ = dispatcher.Notify(context.Background(), Event{Severity: xerrors.SeverityInfo})
	_ = dispatcher.Notify(context.Background(), Event{Severity: xerrors.SeverityCritical})
	if len(rec.events) != 1 || rec.events[0].Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected events: %+v", rec.events)
	}
}

func TestWebhookSenders(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		bodies = append(bodies, payload)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWebhookSender(server.URL)
	event := Event{
		Code:       "AGENT_REVOKED",
		Message:    "owner froze the vault",
		Severity:   xerrors.SeverityWarning,
		Vault:      "0x01",
		Operation:  "revoke_agent",
		Metadata:   map[string]string{"agent": "0x02"},
		OccurredAt: time.Unix(1_700_000_000, 0),
	}
	if err := (&DingTalkNotifier{Sender: sender}).Notify(context.Background(), event); err != nil {
		t.Fatalf("dingtalk notify: %v", err)
	}
	if err := (&SlackNotifier{Sender: sender.SlackSender(), ChannelID: "#ops"}).Notify(context.Background(), event); err != nil {
		t.Fatalf("slack notify: %v", err)
	}

	if len(bodies) != 2 {
		t.Fatalf("expected 2 webhook calls, got %d", len(bodies))
	}
	if bodies[0]["msgtype"] != "text" {
		t.Fatalf("unexpected dingtalk payload: %+v", bodies[0])
	}
	text, _ := bodies[1]["text"].(string)
	if bodies[1]["channel"] != "#ops" || !strings.Contains(text, "AGENT_REVOKED") || !strings.Contains(text, "agent: 0x02") {
		t.Fatalf("unexpected slack payload: %+v", bodies[1])
	}
}

func TestWebhookSenderReportsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	if err := NewWebhookSender(server.URL).Send(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for non-2xx status")
	}
}
