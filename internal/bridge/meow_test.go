package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/talkincode/wabridge/internal/domain"
)

func lidMessageEvent(body string) *events.Message {
	return &events.Message{
		Info: waTypes.MessageInfo{
			MessageSource: waTypes.MessageSource{
				Chat:      waTypes.NewJID("777", "lid"),
				Sender:    waTypes.NewJID("777", "lid"),
				SenderAlt: waTypes.NewJID("628123456789", waTypes.DefaultUserServer),
			},
			ID:        "WAMID.IN1",
			Timestamp: time.Unix(42, 0),
		},
		Message: &waE2E.Message{Conversation: proto.String(body)},
	}
}

func TestHandleMessageCarriesChatAlternate(t *testing.T) {
	var got Event
	wc := &waClient{sink: func(ev Event) { got = ev }}
	wc.handleMessage(lidMessageEvent("via lid"))

	assert.Equal(t, EventMessageObserved, got.Kind)
	assert.Equal(t, "777@lid", got.Chat)
	assert.Equal(t, "628123456789@s.whatsapp.net", got.Alt)
	require.NotNil(t, got.Message)
	assert.Equal(t, "via lid", got.Message.Body)
	assert.Equal(t, domain.DirectionIn, got.Message.Direction)
}

func TestChatAlternateGroupAndEmptyForms(t *testing.T) {
	group := waTypes.MessageInfo{MessageSource: waTypes.MessageSource{
		Chat:      waTypes.NewJID("1203630-163033", waTypes.GroupServer),
		Sender:    waTypes.NewJID("777", "lid"),
		SenderAlt: waTypes.NewJID("628123456789", waTypes.DefaultUserServer),
	}}
	assert.Empty(t, chatAlternate(group))

	plain := waTypes.MessageInfo{MessageSource: waTypes.MessageSource{
		Chat:   waTypes.NewJID("628123456789", waTypes.DefaultUserServer),
		Sender: waTypes.NewJID("628123456789", waTypes.DefaultUserServer),
	}}
	assert.Empty(t, chatAlternate(plain))

	fromMe := waTypes.MessageInfo{MessageSource: waTypes.MessageSource{
		Chat:         waTypes.NewJID("777", "lid"),
		Sender:       waTypes.NewJID("628999", waTypes.DefaultUserServer),
		IsFromMe:     true,
		RecipientAlt: waTypes.NewJID("628123456789", waTypes.DefaultUserServer),
	}}
	assert.Equal(t, "628123456789@s.whatsapp.net", chatAlternate(fromMe))
}

// An observed lid event must land in the phone-keyed buffer on its own, with
// no manual alias registration beforehand.
func TestLidEventMergesIntoPhoneBuffer(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(testConfig(), ft, nil, nil)
	require.NoError(t, m.EnsureStarted(context.Background(), "s1"))
	ft.sink(0)(Event{Kind: EventConnectionOpened})
	waitStatus(t, m, "s1", StatusConnected)

	wc := &waClient{sink: ft.sink(0)}
	wc.handleMessage(lidMessageEvent("via lid"))

	require.Eventually(t, func() bool {
		msgs, err := m.Messages("s1", "628123456789@s.whatsapp.net", 0)
		return err == nil && len(msgs) == 1 && msgs[0].Body == "via lid"
	}, 2*time.Second, 5*time.Millisecond)

	// and the opaque form now resolves to the same key
	assert.Equal(t, "628123456789@s.whatsapp.net", m.Canonical("777@lid"))
}
