package bridge

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/domain"
)

type fakeTransport struct {
	mu         sync.Mutex
	dials      int
	sinks      []EventSink
	wipes      []string
	dialErr    error
	connectErr error
	sendFn     func(ctx context.Context, to, text string) (string, error)

	// when set, Dial blocks until the channel is closed; dialEntered is
	// closed once the first blocked Dial is in flight
	dialGate    chan struct{}
	dialEntered chan struct{}
	enterOnce   sync.Once
}

func (t *fakeTransport) Dial(_ context.Context, _ string, sink EventSink) (Client, error) {
	if t.dialGate != nil {
		t.enterOnce.Do(func() { close(t.dialEntered) })
		<-t.dialGate
	}
	t.mu.Lock()
	t.dials++
	t.sinks = append(t.sinks, sink)
	err := t.dialErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeClient{t: t, sink: sink}, nil
}

func (t *fakeTransport) Wipe(id string) error {
	t.mu.Lock()
	t.wipes = append(t.wipes, id)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) sink(i int) EventSink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sinks[i]
}

func (t *fakeTransport) wiped() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.wipes...)
}

func (t *fakeTransport) setConnectErr(err error) {
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
}

type fakeClient struct {
	t    *fakeTransport
	sink EventSink
}

func (c *fakeClient) Connect() error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return c.t.connectErr
}

func (c *fakeClient) Disconnect() {}

func (c *fakeClient) SendText(ctx context.Context, to, text string) (string, error) {
	c.t.mu.Lock()
	fn := c.t.sendFn
	c.t.mu.Unlock()
	if fn != nil {
		return fn(ctx, to, text)
	}
	return "WAMID.1", nil
}

func testConfig() *config.AppConfig {
	cfg := new(config.AppConfig)
	*cfg = *config.DefaultAppConfig
	cfg.Bridge.SendTimeout = 1
	cfg.Bridge.QRPollInterval = 10
	cfg.Bridge.QRPollAttempts = 50
	cfg.Bridge.ReconnectDelay = 10
	cfg.Bridge.MaxReconnects = 2
	cfg.Bridge.Backoff = 1
	return cfg
}

func waitStatus(t *testing.T, m *Manager, id, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status(id) == want },
		2*time.Second, 5*time.Millisecond, "want status %q, have %q", want, m.Status(id))
}

func TestPairingLifecycle(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(testConfig(), ft, nil, nil)

	require.NoError(t, m.EnsureStarted(context.Background(), "s1"))
	assert.Equal(t, StatusConnecting, m.Status("s1"))

	ft.sink(0)(Event{Kind: EventQRIssued, Code: "pairing-code-1"})
	waitStatus(t, m, "s1", StatusWaiting)

	qr, err := m.WaitQR(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(qr, "data:image/png;base64,"))

	ft.sink(0)(Event{Kind: EventConnectionOpened})
	waitStatus(t, m, "s1", StatusConnected)

	// QR is cleared the moment the session connects
	_, err = m.WaitQR(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrQRUnavailable)
}

func TestDuplicateStartGuard(t *testing.T) {
	ft := &fakeTransport{
		dialGate:    make(chan struct{}),
		dialEntered: make(chan struct{}),
	}
	m := NewManager(testConfig(), ft, nil, nil)

	firstDone := make(chan error, 1)
	go func() { firstDone <- m.EnsureStarted(context.Background(), "s1") }()
	<-ft.dialEntered

	err := m.EnsureStarted(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrAlreadyStarting)

	close(ft.dialGate)
	require.NoError(t, <-firstDone)
	assert.Equal(t, 1, ft.dialCount())

	// once running, a second start is a plain no-op
	require.NoError(t, m.EnsureStarted(context.Background(), "s1"))
	assert.Equal(t, 1, ft.dialCount())
}

func TestSendOnUnknownSession(t *testing.T) {
	m := NewManager(testConfig(), &fakeTransport{}, nil, nil)
	_, _, err := m.Send(context.Background(), "ghost", "628123@c.us", "hi")
	require.Error(t, err)
	assert.Equal(t, "Session not found. Please scan QR code first.", err.Error())
}

func TestSendBeforeReady(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(testConfig(), ft, nil, nil)
	require.NoError(t, m.EnsureStarted(context.Background(), "s1"))

	_, _, err := m.Send(context.Background(), "s1", "628123@c.us", "hi")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSendRecordsHistoryAndPublishes(t *testing.T) {
	ft := &fakeTransport{}
	bus := EventBus.New()
	m := NewManager(testConfig(), ft, bus, nil)

	var (
		obsMu sync.Mutex
		obs   []domain.Message
	)
	require.NoError(t, bus.Subscribe(TopicMessageObserved, func(session, chat string, msg domain.Message) {
		obsMu.Lock()
		obs = append(obs, msg)
		obsMu.Unlock()
	}))

	require.NoError(t, m.EnsureStarted(context.Background(), "s1"))
	ft.sink(0)(Event{Kind: EventConnectionOpened})
	waitStatus(t, m, "s1", StatusConnected)

	msg, chat, err := m.Send(context.Background(), "s1", "628123456789@c.us", "hello")
	require.NoError(t, err)
	assert.Equal(t, "WAMID.1", msg.ID)
	assert.Equal(t, "628123456789@s.whatsapp.net", chat)

	got, err := m.Messages("s1", "628123456789", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.DirectionOut, got[0].Direction)
	assert.Equal(t, "hello", got[0].Body)

	obsMu.Lock()
	defer obsMu.Unlock()
	require.Len(t, obs, 1)
	assert.Equal(t, "WAMID.1", obs[0].ID)
}

func TestInboundMessageFlowsToHistoryAndInboundTopic(t *testing.T) {
	ft := &fakeTransport{}
	bus := EventBus.New()
	m := NewManager(testConfig(), ft, bus, nil)

	inbound := make(chan domain.Message, 1)
	require.NoError(t, bus.Subscribe(TopicMessageInbound, func(session, chat string, msg domain.Message) {
		inbound <- msg
	}))

	require.NoError(t, m.EnsureStarted(context.Background(), "s1"))
	ft.sink(0)(Event{Kind: EventConnectionOpened})
	waitStatus(t, m, "s1", StatusConnected)

	ft.sink(0)(Event{
		Kind: EventMessageObserved,
		Chat: "628123456789@c.us",
		Message: &domain.Message{
			ID:        "in1",
			From:      "628123456789@c.us",
			Direction: domain.DirectionIn,
			Body:      "ping",
			Timestamp: 42,
			Status:    domain.MessageStatusReceived,
		},
	})

	select {
	case msg := <-inbound:
		assert.Equal(t, "in1", msg.ID)
		assert.Equal(t, "628123456789@s.whatsapp.net", msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message never published")
	}

	got, err := m.Messages("s1", "628123456789@s.whatsapp.net", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ping", got[0].Body)
}

func TestAliasedAddressesShareOneBuffer(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(testConfig(), ft, nil, nil)
	require.NoError(t, m.EnsureStarted(context.Background(), "s1"))
	ft.sink(0)(Event{Kind: EventConnectionOpened})
	waitStatus(t, m, "s1", StatusConnected)

	m.LearnAlias("777@lid", "628123456789@c.us")

	ft.sink(0)(Event{
		Kind: EventMessageObserved,
		Chat: "777@lid",
		Message: &domain.Message{
			ID: "in1", From: "777@lid",
			Direction: domain.DirectionIn, Body: "via lid", Timestamp: 1,
			Status: domain.MessageStatusReceived,
		},
	})

	require.Eventually(t, func() bool {
		msgs, err := m.Messages("s1", "628123456789@s.whatsapp.net", 0)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendTimeoutForcesReconnect(t *testing.T) {
	ft := &fakeTransport{}
	ft.sendFn = func(ctx context.Context, to, text string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	m := NewManager(testConfig(), ft, nil, nil)

	require.NoError(t, m.EnsureStarted(context.Background(), "s1"))
	ft.sink(0)(Event{Kind: EventConnectionOpened})
	waitStatus(t, m, "s1", StatusConnected)

	_, _, err := m.Send(context.Background(), "s1", "628123@c.us", "hi")
	assert.ErrorIs(t, err, ErrSendTimeout)

	// a reconnect is scheduled automatically and the session recovers
	require.Eventually(t, func() bool { return ft.dialCount() == 2 },
		2*time.Second, 5*time.Millisecond)
	ft.sink(1)(Event{Kind: EventConnectionOpened})
	waitStatus(t, m, "s1", StatusConnected)
}

func TestTransientCloseRedialsUntilCap(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(testConfig(), ft, nil, nil)

	require.NoError(t, m.EnsureStarted(context.Background(), "s1"))
	ft.sink(0)(Event{Kind: EventConnectionOpened})
	waitStatus(t, m, "s1", StatusConnected)

	// every further connect fails, so each redial feeds another close event
	ft.setConnectErr(assert.AnError)
	ft.sink(0)(Event{Kind: EventConnectionClosed, Reason: CloseTransient})

	waitStatus(t, m, "s1", StatusDisconnected)
	// initial dial + MaxReconnects redials
	assert.Equal(t, 3, ft.dialCount())
	assert.Empty(t, ft.wiped(), "transient closes must preserve credentials")
}

func TestLoggedOutWipesAndBacksOff(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(testConfig(), ft, nil, nil)

	require.NoError(t, m.EnsureStarted(context.Background(), "s1"))
	ft.sink(0)(Event{Kind: EventConnectionOpened})
	waitStatus(t, m, "s1", StatusConnected)

	ft.sink(0)(Event{Kind: EventConnectionClosed, Reason: CloseLoggedOut})
	waitStatus(t, m, "s1", StatusDisconnected)
	require.Eventually(t, func() bool { return len(ft.wiped()) == 1 },
		2*time.Second, 5*time.Millisecond)

	// inside the cool-down window pairing is rejected
	err := m.EnsureStarted(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrBackoff)
	assert.Equal(t, 1, ft.dialCount())

	// after the window elapses a fresh start proceeds
	time.Sleep(1200 * time.Millisecond)
	require.NoError(t, m.EnsureStarted(context.Background(), "s1"))
	assert.Equal(t, 2, ft.dialCount())
}

func TestResetWipesEverything(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(testConfig(), ft, nil, nil)

	require.NoError(t, m.EnsureStarted(context.Background(), "s1"))
	ft.sink(0)(Event{Kind: EventConnectionOpened})
	waitStatus(t, m, "s1", StatusConnected)

	_, _, err := m.Send(context.Background(), "s1", "628123@c.us", "hi")
	require.NoError(t, err)

	require.NoError(t, m.Reset("s1"))
	assert.Equal(t, StatusDisconnected, m.Status("s1"))
	assert.Equal(t, []string{"s1"}, ft.wiped())

	msgs, err := m.Messages("s1", "628123@c.us", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// reset on an unknown session still succeeds (idempotent wipe)
	require.NoError(t, m.Reset("s1"))
}

func TestListReportsDerivedStatus(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(testConfig(), ft, nil, nil)

	require.NoError(t, m.EnsureStarted(context.Background(), "a"))
	require.NoError(t, m.EnsureStarted(context.Background(), "b"))
	ft.sink(0)(Event{Kind: EventQRIssued, Code: "code-a"})
	ft.sink(1)(Event{Kind: EventConnectionOpened})
	waitStatus(t, m, "a", StatusWaiting)
	waitStatus(t, m, "b", StatusConnected)

	assert.Equal(t, []SessionInfo{
		{Session: "a", Status: StatusWaiting},
		{Session: "b", Status: StatusConnected},
	}, m.List())
}
