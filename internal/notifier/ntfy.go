package notifier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"courtbot/internal/task/retry"
)

type NtfyConfig struct {
	Enabled bool
	Server  string // default https://ntfy.sh
	Topic   string
	Token   string
}

// NtfySender posts the message body to {server}/{topic} with Title,
// Priority and Tags headers.
type NtfySender struct {
	url   string
	token string
	http  *http.Client
}

func NewNtfySender(cfg NtfyConfig, client *http.Client) (*NtfySender, error) {
	topic := strings.Trim(strings.TrimSpace(cfg.Topic), "/")
	if topic == "" {
		return nil, fmt.Errorf("ntfy topic is empty")
	}
	server := strings.TrimRight(strings.TrimSpace(cfg.Server), "/")
	if server == "" {
		server = "https://ntfy.sh"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &NtfySender{url: server + "/" + topic, token: cfg.Token, http: client}, nil
}

func (n *NtfySender) Name() string { return "ntfy" }

func (n *NtfySender) Send(ctx context.Context, m Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, strings.NewReader(m.Body))
	if err != nil {
		return err
	}
	if m.Title != "" {
		req.Header.Set("Title", m.Title)
	}
	if m.Priority > 0 {
		req.Header.Set("Priority", strconv.Itoa(int(m.Priority)))
	}
	if len(m.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(m.Tags, ","))
	}
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("ntfy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		return retry.ClassifyHTTP(err, resp.StatusCode, resp.Header.Get("Retry-After"))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
