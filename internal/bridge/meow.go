package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/talkincode/wabridge/internal/domain"
)

// MeowTransport is the production Transport backed by whatsmeow. Each session
// keeps its credentials in its own sqlite store under
// <sessionsDir>/<id>/creds.db, so wiping a session is deleting its directory.
type MeowTransport struct {
	sessionsDir string
}

func NewMeowTransport(sessionsDir string) *MeowTransport {
	return &MeowTransport{sessionsDir: sessionsDir}
}

func (t *MeowTransport) Dial(ctx context.Context, sessionID string, sink EventSink) (Client, error) {
	id := SanitizeSessionID(sessionID)
	if id == "" {
		return nil, errors.New("invalid session id")
	}
	dir := filepath.Join(t.sessionsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(dir, "creds.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	wc := &waClient{
		cli:  whatsmeow.NewClient(device, waLog.Noop),
		sink: sink,
	}
	wc.cli.AddEventHandler(wc.handleEvent)
	return wc, nil
}

func (t *MeowTransport) Wipe(sessionID string) error {
	id := SanitizeSessionID(sessionID)
	if id == "" {
		return errors.New("invalid session id")
	}
	return errors.WithStack(os.RemoveAll(filepath.Join(t.sessionsDir, id)))
}

// waClient adapts one whatsmeow.Client to the Client interface, translating
// its event soup into the session's tagged events.
type waClient struct {
	cli  *whatsmeow.Client
	sink EventSink
}

func (c *waClient) Connect() error {
	// GetQRChannel only works before Connect and only for unpaired devices;
	// paired devices resume their session without a QR.
	if c.cli.Store.ID == nil {
		if qrChan, err := c.cli.GetQRChannel(context.Background()); err == nil {
			go c.pumpQR(qrChan)
		}
	}
	return c.cli.Connect()
}

func (c *waClient) Disconnect() {
	c.cli.Disconnect()
}

func (c *waClient) SendText(ctx context.Context, to string, text string) (string, error) {
	jid, err := waTypes.ParseJID(to)
	if err != nil {
		return "", errors.WithStack(err)
	}
	resp, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(resp.ID), nil
}

func (c *waClient) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			c.sink(Event{Kind: EventQRIssued, Code: item.Code})
		case "timeout":
			c.sink(Event{Kind: EventConnectionClosed, Reason: CloseTransient})
		}
	}
}

func (c *waClient) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		c.sink(Event{Kind: EventConnectionOpened})
	case *events.Disconnected:
		c.sink(Event{Kind: EventConnectionClosed, Reason: CloseTransient})
	case *events.StreamReplaced:
		c.sink(Event{Kind: EventConnectionClosed, Reason: CloseTransient})
	case *events.ConnectFailure:
		reason := CloseTransient
		if evt.Reason == events.ConnectFailureLoggedOut {
			reason = CloseLoggedOut
		}
		c.sink(Event{Kind: EventConnectionClosed, Reason: reason})
	case *events.LoggedOut:
		c.sink(Event{Kind: EventConnectionClosed, Reason: CloseLoggedOut})
	case *events.Message:
		c.handleMessage(evt)
	}
}

func (c *waClient) handleMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	body := evt.Message.GetConversation()
	if body == "" {
		body = evt.Message.GetExtendedTextMessage().GetText()
	}
	media := ""
	if img := evt.Message.GetImageMessage(); img != nil {
		media = "image"
		if body == "" {
			body = img.GetCaption()
		}
	} else if doc := evt.Message.GetDocumentMessage(); doc != nil {
		media = "document"
		if body == "" {
			body = doc.GetTitle()
		}
	}
	if body == "" && media == "" {
		return
	}
	dir, status := domain.DirectionIn, domain.MessageStatusReceived
	if evt.Info.IsFromMe {
		dir, status = domain.DirectionOut, domain.MessageStatusSent
	}
	c.sink(Event{
		Kind: EventMessageObserved,
		Chat: evt.Info.Chat.String(),
		Alt:  chatAlternate(evt.Info),
		Message: &domain.Message{
			ID:        string(evt.Info.ID),
			From:      evt.Info.Sender.String(),
			Direction: dir,
			Body:      body,
			Media:     media,
			Timestamp: evt.Info.Timestamp.Unix(),
			Status:    status,
		},
	})
}

// chatAlternate extracts the other address form of a direct chat when the
// server reports both (lid chats carry the phone-style JID as the alternate
// and vice versa). Group chats have no alternate worth learning.
func chatAlternate(info waTypes.MessageInfo) string {
	if info.Chat.Server == waTypes.GroupServer {
		return ""
	}
	alt := info.SenderAlt
	if info.IsFromMe {
		alt = info.RecipientAlt
	}
	if alt.IsEmpty() {
		return ""
	}
	return alt.ToNonAD().String()
}
