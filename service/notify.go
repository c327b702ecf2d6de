package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kofera/contractsign/config"
	"github.com/kofera/contractsign/model"
)

// NotificationSink receives workflow hand-off notifications. Calls
// must be made only after the transition they announce has committed;
// a sink failure never affects the transition.
type NotificationSink interface {
	Notify(contractID string, role model.Role, form string)
}

// Notification is the message posted to the configured webhook.
type Notification struct {
	ContractID string `json:"contract_id"`
	Role       string `json:"role"`
	Link       string `json:"link"`
}

// Notifier dispatches notifications to an external webhook through a
// buffered queue, decoupled from the request path.
type Notifier struct {
	config     *config.NotifyConfig
	signer     *DeepLinkSigner
	httpClient *http.Client

	queue chan Notification
	done  chan struct{}
	once  sync.Once
}

func NewNotifier(cfg *config.NotifyConfig, signer *DeepLinkSigner) *Notifier {
	n := &Notifier{
		config: cfg,
		signer: signer,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		queue: make(chan Notification, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify builds a deep link for the role and queues the message. A
// full queue drops the message with a warning rather than blocking the
// caller.
func (n *Notifier) Notify(contractID string, role model.Role, form string) {
	link, err := n.signer.Link(contractID, role, form)
	if err != nil {
		slog.Error("failed to build deep link", "contract_id", contractID, "role", role, "error", err)
		return
	}

	msg := Notification{
		ContractID: contractID,
		Role:       string(role),
		Link:       link,
	}

	select {
	case n.queue <- msg:
	default:
		slog.Warn("notification queue full, dropping message",
			"contract_id", contractID, "role", role)
	}
}

// Close stops the dispatch worker after draining queued messages.
func (n *Notifier) Close() {
	n.once.Do(func() {
		close(n.queue)
		<-n.done
	})
}

func (n *Notifier) run() {
	defer close(n.done)
	for msg := range n.queue {
		if err := n.send(context.Background(), msg); err != nil {
			slog.Error("failed to dispatch notification",
				"contract_id", msg.ContractID, "role", msg.Role, "error", err)
		}
	}
}

// send posts one notification to the webhook. No retries; the webhook
// consumer owns delivery guarantees beyond this single attempt.
func (n *Notifier) send(ctx context.Context, msg Notification) error {
	if n.config.WebhookURL == "" {
		slog.Debug("notification webhook not configured, skipping",
			"contract_id", msg.ContractID, "role", msg.Role)
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	slog.Info("notification dispatched",
		"contract_id", msg.ContractID, "role", msg.Role, "status", resp.StatusCode)
	return nil
}
