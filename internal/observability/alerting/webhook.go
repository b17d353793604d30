package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender 通过 HTTP 回调投递 Slack 与钉钉机器人消息。
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender 创建带超时的发送器。
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

// Send 以钉钉机器人格式发送文本消息。
func (w *WebhookSender) Send(ctx context.Context, content string) error {
	return w.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackSender 返回以 Slack incoming webhook 格式发送的适配器。
func (w *WebhookSender) SlackSender() SlackSender {
	return slackWebhook{w}
}

type slackWebhook struct{ w *WebhookSender }

func (s slackWebhook) Send(ctx context.Context, channel, content string) error {
	payload := map[string]any{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return s.w.post(ctx, payload)
}

func (w *WebhookSender) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化告警消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警回调返回状态码 %d", resp.StatusCode)
	}
	return nil
}
