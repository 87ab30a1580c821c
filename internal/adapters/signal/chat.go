package signal

import (
	"encoding/json"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleTyping(
	sid core.SessionID,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ReceiverID == "" {
		ctl.sendError(conn, core.EventTyping, "bad_payload")
		return
	}
	p.SenderID = ctl.self(sid).ID
	ctl.sendToUser(p.ReceiverID, core.EventTyping, p)
}

// handleSendMessage stamps the message and delivers it as newMessage to the
// receiver and to every session of the sender.
func (ctl *SignalWSController) handleSendMessage(
	sid core.SessionID,
	conn *WsSignalConn,
	data []byte,
) {
	var m domain.Message
	if err := json.Unmarshal(data, &m); err != nil || m.ReceiverID == "" {
		ctl.sendError(conn, core.EventSendMessage, "bad_payload")
		return
	}
	me := ctl.self(sid)
	if m.ID == "" {
		m.ID = domain.MessageID(uuid.NewString())
	}
	if m.Type == "" {
		m.Type = domain.MessageText
	}
	m.SenderID = me.ID
	m.SenderName = me.Username
	m.Status = domain.MessageSent
	m.CreatedAt = ctl.now().UTC()

	delivered := ctl.sendToUser(m.ReceiverID, core.EventNewMessage, m)
	if m.ReceiverID != me.ID {
		ctl.sendToUser(me.ID, core.EventNewMessage, m)
	}
	notified := ctl.notifyElsewhere(m)
	log.Debug().Str("module", "signal").Str("message", string(m.ID)).Str("to", string(m.ReceiverID)).Int("delivered", delivered).Int("notified", notified).Msg("message relayed")
}

// notifyElsewhere sends messageNotification to the receiver's sessions
// that do not have the message's conversation open.
func (ctl *SignalWSController) notifyElsewhere(m domain.Message) int {
	frame, err := core.Encode(core.EventMessageNotification, core.MessageNotification{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		Type:           m.Type,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode notification")
		return 0
	}
	sent := 0
	for _, snap := range ctl.Registry.SessionsOf(m.ReceiverID) {
		ctl.mu.Lock()
		viewing := ctl.open[snap.SID] == m.ConversationID
		ctl.mu.Unlock()
		if viewing {
			continue
		}
		if ctl.deliver(snap.SID, snap.Session.Signal(), frame) {
			sent++
		}
	}
	return sent
}

// handleJoinConversation marks the conversation the session shows. A
// session shows at most one conversation.
func (ctl *SignalWSController) handleJoinConversation(
	sid core.SessionID,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.ConversationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		ctl.sendError(conn, core.EventJoinConversation, "bad_payload")
		return
	}
	ctl.mu.Lock()
	ctl.open[sid] = p.ConversationID
	ctl.mu.Unlock()
	log.Debug().Str("module", "signal").Str("sid", string(sid)).Str("conversation", string(p.ConversationID)).Msg("conversation opened")
}

func (ctl *SignalWSController) handleLeaveConversation(
	sid core.SessionID,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.ConversationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		ctl.sendError(conn, core.EventLeaveConversation, "bad_payload")
		return
	}
	ctl.mu.Lock()
	if ctl.open[sid] == p.ConversationID {
		delete(ctl.open, sid)
	}
	ctl.mu.Unlock()
}
