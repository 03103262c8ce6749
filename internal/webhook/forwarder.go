package webhook

import (
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/guonaihong/gout"
	"go.uber.org/zap"

	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/bridge"
	"github.com/talkincode/wabridge/internal/domain"
)

// Forwarder pushes inbound messages to the configured webhook endpoint.
// Delivery is fire-and-forget: a failure is logged, never retried, and never
// blocks the session's event loop.
type Forwarder struct {
	url     string
	site    string
	timeout time.Duration
}

func NewForwarder(cfg config.BridgeConfig) *Forwarder {
	return &Forwarder{
		url:     cfg.WebhookURL,
		site:    cfg.WebhookSite,
		timeout: 10 * time.Second,
	}
}

// Attach subscribes the forwarder to the inbound-message bus topic.
func (f *Forwarder) Attach(bus EventBus.Bus) error {
	return bus.Subscribe(bridge.TopicMessageInbound, f.Forward)
}

// Forward posts one inbound message. Signature matches the bus topic.
func (f *Forwarder) Forward(session, chat string, msg domain.Message) {
	if f.url == "" {
		return
	}
	go f.post(session, chat, msg)
}

func (f *Forwarder) post(session, chat string, msg domain.Message) {
	payload := map[string]interface{}{
		"session":   session,
		"from":      msg.From,
		"text":      msg.Body,
		"timestamp": msg.Timestamp,
	}
	req := gout.POST(f.url).
		SetJSON(payload).
		SetTimeout(f.timeout)
	if f.site != "" {
		req = req.SetHeader(gout.H{"x-bridge-site": f.site})
	}
	var code int
	err := req.Code(&code).Do()
	if err != nil {
		zap.S().Warnf("webhook: forward message %s for chat %s failed: %s", msg.ID, chat, err)
		return
	}
	if code >= 300 {
		zap.S().Warnf("webhook: endpoint returned %d for message %s", code, msg.ID)
	}
}
