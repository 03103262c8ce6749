package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/domain"
)

// Client is one live connection to the WhatsApp network.
type Client interface {
	Connect() error
	Disconnect()
	// SendText delivers a plain text message and returns the provider
	// message id. Honors ctx cancellation/deadline.
	SendText(ctx context.Context, to string, text string) (string, error)
}

// Transport creates and destroys connections. The production implementation
// wraps whatsmeow; tests substitute a fake.
type Transport interface {
	// Dial prepares a client for the session, loading stored credentials if
	// any. Lifecycle events flow through sink.
	Dial(ctx context.Context, sessionID string, sink EventSink) (Client, error)
	// Wipe removes the session's stored credentials so the next Dial starts
	// an unpaired session.
	Wipe(sessionID string) error
}

// Manager owns every WhatsApp session in the process: starting, pairing,
// sending, reconnecting and resetting them. Each session gets its own event
// loop goroutine; the manager's dispatch function is the only writer of
// lifecycle state.
type Manager struct {
	cfg       config.BridgeConfig
	devMode   bool
	transport Transport
	history   *History
	canon     *Canonicalizer
	bus       EventBus.Bus
	db        *gorm.DB
	ids       *snowflake.Node
	store     *Store

	mu       sync.Mutex
	starting map[string]bool

	sendTimeout    time.Duration
	qrPollInterval time.Duration
	qrPollAttempts int
	reconnectDelay time.Duration
	maxReconnects  int
	backoff        time.Duration
}

// NewManager wires a manager from configuration. bus and db may be nil in
// tests; every use is guarded.
func NewManager(cfg *config.AppConfig, t Transport, bus EventBus.Bus, db *gorm.DB) *Manager {
	node, _ := snowflake.NewNode(1)
	b := cfg.Bridge
	return &Manager{
		cfg:            b,
		devMode:        cfg.System.Debug,
		transport:      t,
		history:        NewHistory(b.HistorySize),
		canon:          NewCanonicalizer(),
		bus:            bus,
		db:             db,
		ids:            node,
		store:          NewStore(),
		starting:       make(map[string]bool),
		sendTimeout:    time.Duration(b.SendTimeout) * time.Second,
		qrPollInterval: time.Duration(b.QRPollInterval) * time.Millisecond,
		qrPollAttempts: b.QRPollAttempts,
		reconnectDelay: time.Duration(b.ReconnectDelay) * time.Millisecond,
		maxReconnects:  b.MaxReconnects,
		backoff:        time.Duration(b.Backoff) * time.Second,
	}
}

// History exposes the in-memory buffer to the realtime hub.
func (m *Manager) History() *History { return m.history }

// Canonical normalizes a chat address using the manager's alias knowledge.
func (m *Manager) Canonical(raw string) string { return m.canon.Canonical(raw) }

// EnsureStarted brings a session up if it is not already running. Running,
// pairing and connecting sessions are a no-op; a session inside the logout
// cool-down is rejected with ErrBackoff; a concurrent start for the same id
// is rejected with ErrAlreadyStarting.
func (m *Manager) EnsureStarted(ctx context.Context, rawID string) error {
	id := SanitizeSessionID(rawID)
	if id == "" {
		return errors.New("invalid session id")
	}

	if s := m.store.Get(id); s != nil {
		switch s.State() {
		case StateBackoff:
			if time.Now().Before(s.BackoffUntil()) {
				return ErrBackoff
			}
			// cool-down elapsed, tear down the shell and start fresh
			m.store.Delete(id)
			s.shutdown()
		case StateIdle:
			m.store.Delete(id)
			s.shutdown()
		default:
			return nil
		}
	}

	m.mu.Lock()
	if m.starting[id] {
		m.mu.Unlock()
		return ErrAlreadyStarting
	}
	m.starting[id] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, id)
		m.mu.Unlock()
	}()

	s := newSession(id)
	client, err := m.transport.Dial(ctx, id, s.push)
	if err != nil {
		zap.S().Errorf("whatsapp: dial session %s failed: %s", id, err)
		return errors.Wrap(ErrCapability, err.Error())
	}
	s.swapClient(client)
	s.setState(StateStarting)
	m.store.Set(s)
	go m.runLoop(s)
	go func() {
		if cerr := client.Connect(); cerr != nil {
			zap.S().Warnf("whatsapp: connect session %s failed: %s", id, cerr)
			s.push(Event{Kind: EventConnectionClosed, Reason: CloseTransient})
		}
	}()
	zap.S().Infof("whatsapp: session %s starting", id)
	return nil
}

// QR ensures the session is started and then polls for the pairing image.
// Already-in-flight starts are treated as started.
func (m *Manager) QR(ctx context.Context, rawID string) (string, error) {
	if err := m.EnsureStarted(ctx, rawID); err != nil && !errors.Is(err, ErrAlreadyStarting) {
		return "", err
	}
	return m.WaitQR(ctx, rawID)
}

// WaitQR polls the session for a pairing QR image (base64 PNG data URI) for a
// bounded interval. Returns ErrQRUnavailable on expiry, which also covers the
// already-connected case where no QR will ever be issued.
func (m *Manager) WaitQR(ctx context.Context, rawID string) (string, error) {
	id := SanitizeSessionID(rawID)
	for i := 0; i < m.qrPollAttempts; i++ {
		s := m.store.Get(id)
		if s == nil {
			return "", ErrSessionNotFound
		}
		if qr := s.QRImage(); qr != "" {
			return qr, nil
		}
		if s.State() == StateReady {
			return "", ErrQRUnavailable
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.qrPollInterval):
		}
	}
	return "", ErrQRUnavailable
}

// Send delivers a text message through a ready session. The canonical chat
// address and the recorded message are returned so callers can echo them. A
// deadline-exceeded send forces the session through a reconnect cycle and
// surfaces ErrSendTimeout, which is safe to retry.
func (m *Manager) Send(ctx context.Context, rawID, to, text string) (*domain.Message, string, error) {
	id := SanitizeSessionID(rawID)
	s := m.store.Get(id)
	if s == nil {
		return nil, "", ErrSessionNotFound
	}
	if s.State() != StateReady {
		return nil, "", ErrNotReady
	}
	chat := m.canon.Canonical(to)

	cctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()
	mid, err := s.Client().SendText(cctx, chat, text)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			zap.S().Warnf("whatsapp: send timeout on session %s, forcing reconnect", id)
			s.push(Event{Kind: EventConnectionClosed, Reason: CloseTransient})
			return nil, "", ErrSendTimeout
		}
		return nil, "", errors.WithStack(err)
	}
	if mid == "" {
		mid = m.ids.Generate().String()
	}

	msg := domain.Message{
		ID:        mid,
		From:      id,
		Direction: domain.DirectionOut,
		Body:      text,
		Timestamp: time.Now().Unix(),
		Status:    domain.MessageStatusSent,
	}
	m.observe(id, chat, msg)
	return &msg, chat, nil
}

// Reset force-disconnects a session and deletes its stored credentials so the
// next start requires a fresh QR scan. Unknown ids are not an error: the
// wipe still runs so stale on-disk credentials cannot survive.
func (m *Manager) Reset(rawID string) error {
	id := SanitizeSessionID(rawID)
	if id == "" {
		return errors.New("invalid session id")
	}
	if s := m.store.Delete(id); s != nil {
		s.shutdown()
	}
	if err := m.transport.Wipe(id); err != nil {
		return errors.WithStack(err)
	}
	m.history.DropSession(id)
	if m.db != nil {
		m.db.Model(&domain.BridgeSession{}).
			Where("sid = ?", id).
			Update("status", StatusDisconnected)
	}
	zap.S().Infof("whatsapp: session %s reset", id)
	return nil
}

// Status reports the wire status string for a session id.
func (m *Manager) Status(rawID string) string {
	s := m.store.Get(SanitizeSessionID(rawID))
	if s == nil {
		return StatusDisconnected
	}
	return s.StatusLabel()
}

// List enumerates sessions: everything live in memory, plus database rows for
// sessions this process has not started (reported Disconnected).
func (m *Manager) List() []SessionInfo {
	infos := m.store.List()
	if m.db == nil {
		return infos
	}
	seen := make(map[string]bool, len(infos))
	for _, in := range infos {
		seen[in.Session] = true
	}
	var rows []domain.BridgeSession
	if err := m.db.Order("sid").Find(&rows).Error; err == nil {
		for _, r := range rows {
			if !seen[r.SID] {
				infos = append(infos, SessionInfo{Session: r.SID, Status: StatusDisconnected})
			}
		}
	}
	return infos
}

// Messages returns buffered history for a chat, falling back to the durable
// message log when the buffer is empty (fresh process, reset session).
func (m *Manager) Messages(rawID, rawChat string, limit int) ([]domain.Message, error) {
	id := SanitizeSessionID(rawID)
	chat := m.canon.Canonical(rawChat)
	if limit <= 0 {
		limit = m.cfg.HistoryQueryLimit
	}
	msgs, err := m.history.Read(id, chat, limit)
	if err == nil {
		return msgs, nil
	}
	if !errors.Is(err, ErrNoHistory) || m.db == nil {
		return []domain.Message{}, nil
	}
	var rows []domain.MessageLog
	q := m.db.Where("session = ? and chat = ?", id, chat).
		Order("timestamp desc").Limit(limit).Find(&rows)
	if q.Error != nil || len(rows) == 0 {
		return []domain.Message{}, nil
	}
	out := make([]domain.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		out = append(out, domain.Message{
			ID:        r.MsgID,
			From:      r.Sender,
			Direction: r.Direction,
			Body:      r.Body,
			Media:     r.Media,
			Timestamp: r.Timestamp,
			Status:    r.Status,
		})
	}
	return out, nil
}

// Chats lists known chat addresses for a session, merging the in-memory
// buffers with the durable log.
func (m *Manager) Chats(rawID string) []string {
	id := SanitizeSessionID(rawID)
	chats := m.history.Chats(id)
	seen := make(map[string]bool, len(chats))
	for _, c := range chats {
		seen[c] = true
	}
	if m.db != nil {
		var rows []string
		err := m.db.Model(&domain.MessageLog{}).
			Where("session = ?", id).
			Distinct().Pluck("chat", &rows).Error
		if err == nil {
			for _, c := range rows {
				if !seen[c] {
					chats = append(chats, c)
					seen[c] = true
				}
			}
		}
	}
	if chats == nil {
		chats = []string{}
	}
	return chats
}

// Contacts lists sender addresses observed on inbound traffic. Best effort:
// only counterparties that have actually messaged this session show up.
func (m *Manager) Contacts(rawID string) []string {
	id := SanitizeSessionID(rawID)
	if m.db == nil {
		return []string{}
	}
	var rows []string
	err := m.db.Model(&domain.MessageLog{}).
		Where("session = ? and direction = ?", id, domain.DirectionIn).
		Distinct().Pluck("sender", &rows).Error
	if err != nil || rows == nil {
		return []string{}
	}
	return rows
}

// FlushStatuses refreshes the bridge_session table from live state. Run
// periodically by the scheduler.
func (m *Manager) FlushStatuses() {
	if m.db == nil {
		return
	}
	for _, in := range m.store.List() {
		if s := m.store.Get(in.Session); s != nil {
			m.flushSession(s)
		}
	}
}

func (m *Manager) runLoop(s *Session) {
	for {
		select {
		case ev := <-s.events:
			m.dispatch(s, ev)
		case <-s.done:
			return
		}
	}
}

// dispatch applies one transport event to the session state machine. Runs on
// the session's loop goroutine only.
func (m *Manager) dispatch(s *Session, ev Event) {
	switch ev.Kind {
	case EventQRIssued:
		st := s.State()
		if st != StateStarting && st != StateAwaitingScan {
			return
		}
		img, err := renderQR(ev.Code)
		if err != nil {
			zap.S().Errorf("whatsapp: render qr for session %s failed: %s", s.ID, err)
			return
		}
		s.setQR(img)
		s.setState(StateAwaitingScan)
		if m.devMode {
			printQRTerminal(ev.Code)
		}
		zap.S().Infof("whatsapp: session %s awaiting scan", s.ID)

	case EventConnectionOpened:
		s.markReady()
		m.flushSession(s)
		zap.S().Infof("whatsapp: session %s connected", s.ID)

	case EventConnectionClosed:
		switch s.State() {
		case StateClosing, StateBackoff, StateIdle:
			return
		}
		s.setState(StateClosing)
		s.setQR("")
		if ev.Reason == CloseLoggedOut {
			zap.S().Warnf("whatsapp: session %s logged out, wiping credentials", s.ID)
			if err := m.transport.Wipe(s.ID); err != nil {
				zap.S().Errorf("whatsapp: wipe session %s failed: %s", s.ID, err)
			}
			s.enterBackoff(m.backoff)
			m.flushSession(s)
			return
		}
		if s.reconnectCount() >= m.maxReconnects {
			zap.S().Warnf("whatsapp: session %s exhausted %d reconnects, parking",
				s.ID, m.maxReconnects)
			s.setState(StateIdle)
			m.flushSession(s)
			return
		}
		if !s.armRedial() {
			return
		}
		s.setState(StateStarting)
		zap.S().Infof("whatsapp: session %s closed, reconnect %d/%d in %s",
			s.ID, s.reconnectCount(), m.maxReconnects, m.reconnectDelay)
		time.AfterFunc(m.reconnectDelay, func() { m.redial(s) })

	case EventMessageObserved:
		if ev.Message == nil {
			return
		}
		if ev.Alt != "" {
			// Learn rejects the pair unless one side is a lid form and the
			// other resolves phone-style, so trying both orders is safe.
			m.canon.Learn(ev.Chat, ev.Alt)
			m.canon.Learn(ev.Alt, ev.Chat)
		}
		chat := m.canon.Canonical(ev.Chat)
		msg := *ev.Message
		msg.From = m.canon.Canonical(msg.From)
		m.observe(s.ID, chat, msg)
	}
}

// redial replaces a session's connection after a transient close. Skipped if
// the session was reset while the timer was pending.
func (m *Manager) redial(s *Session) {
	if m.store.Get(s.ID) != s {
		return
	}
	s.clearRedial()
	client, err := m.transport.Dial(context.Background(), s.ID, s.push)
	if err != nil {
		zap.S().Errorf("whatsapp: redial session %s failed: %s", s.ID, err)
		s.setState(StateIdle)
		m.flushSession(s)
		return
	}
	s.swapClient(client)
	if err := client.Connect(); err != nil {
		zap.S().Warnf("whatsapp: reconnect session %s failed: %s", s.ID, err)
		s.push(Event{Kind: EventConnectionClosed, Reason: CloseTransient})
	}
}

// observe records a message everywhere it belongs: ring buffer, durable log,
// and the event bus feeding the realtime hub and the webhook forwarder.
func (m *Manager) observe(session, chat string, msg domain.Message) {
	m.history.Remember(session, chat, msg)
	if m.db != nil {
		row := domain.MessageLog{
			ID:        m.ids.Generate().Int64(),
			Session:   session,
			Chat:      chat,
			MsgID:     msg.ID,
			Sender:    msg.From,
			Direction: msg.Direction,
			Body:      msg.Body,
			Media:     msg.Media,
			Status:    msg.Status,
			Timestamp: msg.Timestamp,
			CreatedAt: time.Now(),
		}
		if err := m.db.Create(&row).Error; err != nil {
			zap.S().Errorf("whatsapp: persist message %s failed: %s", msg.ID, err)
		}
	}
	if m.bus != nil {
		m.bus.Publish(TopicMessageObserved, session, chat, msg)
		if msg.Direction == domain.DirectionIn {
			m.bus.Publish(TopicMessageInbound, session, chat, msg)
		}
	}
}

// flushSession upserts the session's database row.
func (m *Manager) flushSession(s *Session) {
	if m.db == nil {
		return
	}
	status := s.StatusLabel()
	var row domain.BridgeSession
	err := m.db.Where("sid = ?", s.ID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = domain.BridgeSession{
			ID:        m.ids.Generate().Int64(),
			SID:       s.ID,
			Status:    status,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if !s.ReadyAt().IsZero() {
			row.LastReadyAt = s.ReadyAt()
		}
		if cerr := m.db.Create(&row).Error; cerr != nil {
			zap.S().Errorf("whatsapp: create session row %s failed: %s", s.ID, cerr)
		}
		return
	}
	if err != nil {
		zap.S().Errorf("whatsapp: load session row %s failed: %s", s.ID, err)
		return
	}
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if !s.ReadyAt().IsZero() {
		updates["last_ready_at"] = s.ReadyAt()
	}
	if uerr := m.db.Model(&row).Updates(updates).Error; uerr != nil {
		zap.S().Errorf("whatsapp: update session row %s failed: %s", s.ID, uerr)
	}
}

// LearnAlias records an opaque-to-phone address pairing seen on the wire.
func (m *Manager) LearnAlias(opaque, phoneStyle string) {
	m.canon.Learn(opaque, phoneStyle)
}
