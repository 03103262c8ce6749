package webserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/talkincode/wabridge/internal/bridge"
)

// qrPlaceholder is returned when bounded polling expires without a code (the
// session may already be paired, in which case no QR will ever come).
const qrPlaceholder = "QR code not available"

// getQR triggers a start if the session is not running yet and polls for the
// pairing image.
func (s *WebServer) getQR(c echo.Context) error {
	session := bridge.SanitizeSessionID(c.Param("session"))
	qr, err := s.manager.QR(c.Request().Context(), session)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, echo.Map{"qr": qr, "session": session})
	case errors.Is(err, bridge.ErrQRUnavailable):
		return c.JSON(http.StatusOK, echo.Map{"qr": qrPlaceholder, "session": session})
	case errors.Is(err, bridge.ErrBackoff):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
}

func (s *WebServer) postSendMessage(c echo.Context) error {
	var payload struct {
		Session string `json:"session"`
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unable to parse request"})
	}
	if payload.Session == "" || payload.To == "" || payload.Message == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "session, to and message are required"})
	}

	msg, chat, err := s.manager.Send(c.Request().Context(), payload.Session, payload.To, payload.Message)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, bridge.ErrSendTimeout) {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":   true,
		"session":   bridge.SanitizeSessionID(payload.Session),
		"messageId": msg.ID,
		"to":        chat,
		"message":   msg.Body,
		"timestamp": msg.Timestamp,
	})
}

func (s *WebServer) getStatus(c echo.Context) error {
	session := bridge.SanitizeSessionID(c.Param("session"))
	return c.JSON(http.StatusOK, echo.Map{
		"session": session,
		"status":  s.manager.Status(session),
	})
}

func (s *WebServer) postReset(c echo.Context) error {
	var payload struct {
		Session string `json:"session"`
	}
	if err := c.Bind(&payload); err != nil || payload.Session == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "session is required"})
	}
	if err := s.manager.Reset(payload.Session); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// getSessions wraps the list in a "sessions" envelope; the ERPNext consumer
// reads resp["sessions"], not a bare array.
func (s *WebServer) getSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"sessions": s.manager.List()})
}

func (s *WebServer) getChats(c echo.Context) error {
	session := bridge.SanitizeSessionID(c.Param("session"))
	chats := s.manager.Chats(session)
	resp := echo.Map{"success": true, "chats": chats}
	if len(chats) == 0 {
		resp["note"] = "no chats observed yet for this session"
	}
	return c.JSON(http.StatusOK, resp)
}

// getContacts is best effort: only counterparties that have messaged this
// session are known, so the note is always present.
func (s *WebServer) getContacts(c echo.Context) error {
	session := bridge.SanitizeSessionID(c.Param("session"))
	return c.JSON(http.StatusOK, echo.Map{
		"success":  true,
		"contacts": s.manager.Contacts(session),
		"note":     "derived from observed inbound traffic; may be incomplete",
	})
}

func (s *WebServer) getMessages(c echo.Context) error {
	session := bridge.SanitizeSessionID(c.Param("session"))
	limit := cast.ToInt(c.QueryParam("limit"))
	msgs, err := s.manager.Messages(session, c.Param("jid"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "messages": msgs})
}
