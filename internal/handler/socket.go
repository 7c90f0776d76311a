package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/concord-consortium/guide-server/internal/i18n"
	"github.com/concord-consortium/guide-server/internal/model"
)

const writeTimeout = 10 * time.Second

// envelope is one guide protocol frame.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type outEnvelope struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// socketOutbound writes envelopes to one websocket connection.
type socketOutbound struct {
	conn *websocket.Conn
}

func (o *socketOutbound) Send(ctx context.Context, channel string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, o.conn, outEnvelope{Channel: channel, Data: payload})
}

func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	connID := uuid.NewString()
	log := slog.With("conn", connID)
	log.Info("client connected", "remote", r.RemoteAddr)

	out := &socketOutbound{conn: conn}
	var sess *model.Session
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if !errors.Is(err, context.Canceled) {
					log.Warn("websocket read failed", "error", err)
				}
			}
			break
		}
		if env.Channel != model.ChannelEvent {
			log.Warn("ignoring message on unknown channel", "channel", env.Channel)
			continue
		}

		var ev model.Event
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			h.reportFailure(ctx, out, sess, nil, "ALERT.BAD_MESSAGE", err)
			continue
		}
		if err := h.validate.Struct(ev); err != nil {
			h.reportFailure(ctx, out, sess, &ev, "ALERT.EVENT_FAILED", fmt.Errorf("invalid event: %w", err))
			continue
		}

		if sess == nil || sess.ID != ev.Session {
			if sess != nil {
				h.disconnect(ctx, sess)
			}
			s, err := h.store.FindOrCreateSession(ctx, ev.Session)
			if err != nil {
				h.reportFailure(ctx, out, nil, &ev, "ALERT.EVENT_FAILED", err)
				continue
			}
			s.Attach(out)
			sess = s
			log.Debug("session bound", "session", sess.ID)
		}

		if err := h.tutor.ProcessEvent(ctx, sess, ev); err != nil {
			h.reportFailure(ctx, out, sess, &ev, "ALERT.EVENT_FAILED", err)
		}
	}

	if sess != nil {
		h.disconnect(ctx, sess)
	}
	log.Info("client disconnected")
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) disconnect(ctx context.Context, sess *model.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := h.tutor.Disconnect(ctx, sess); err != nil {
		slog.Error("deactivate session", "session", sess.ID, "error", err)
	}
}

// reportFailure logs err, stores it as an alert and pushes the alert to the client.
func (h *Handler) reportFailure(ctx context.Context, out model.Outbound, sess *model.Session, ev *model.Event, msgID string, err error) {
	data := map[string]any{"Error": err.Error()}
	a := &model.Alert{Severity: model.SeverityError, Event: ev}
	if ev != nil {
		data["Event"] = ev.String()
	}
	if sess != nil {
		a.SessionID = sess.ID
		a.StudentID = sess.StudentID
	}
	a.Message = i18n.Td(ctx, msgID, data)
	slog.Error("event processing failed", "session", a.SessionID, "student", a.StudentID, "error", err)

	if err := h.store.AddAlert(ctx, a); err != nil {
		slog.Error("store alert", "error", err)
	}
	if err := out.Send(ctx, model.ChannelAlert, a); err != nil {
		slog.Warn("send alert", "error", err)
	}
}
