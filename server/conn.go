package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *server) serveWs(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[conn]upgrade error = %s\n", err)
		return
	}

	sessionId, err := uuid.Parse(mux.Vars(r)["sessionId"])
	if err != nil {
		closeFrame := websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid session id")
		ws.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(s.cfg.WriteTimeout))
		ws.Close()
		return
	}

	client := newClient(sessionId, r.URL.Query().Get("user_id"), ws, s.cfg.SendBuffer)
	if !s.hub.Register(client) {
		ws.Close()
		return
	}
	go s.writePump(client)
	go s.readPump(client)
}

func (s *server) readPump(c *Client) {
	defer func() {
		s.hub.Unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Infof("[conn]%s read error = %s\n", c.id, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.dispatch(c, frame)
	}
}

func (s *server) writePump(c *Client) {
	ticker := time.NewTicker(s.cfg.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				glog.Infof("[conn]%s write error = %s\n", c.id, err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one frame from c. Document requests are answered on the
// same connection, anything else is broadcast to the rest of the session.
func (s *server) dispatch(c *Client, frame []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		glog.V(1).Infof("[conn]%s ignore non json frame\n", c.id)
		return
	}
	var msgType string
	if raw, ok := fields["type"]; ok {
		json.Unmarshal(raw, &msgType)
	}
	if msgType == "" {
		s.docs.reply(c, &protocol.DocumentMessage{Type: protocol.TypeError, Error: "missing message type"})
		return
	}
	glog.V(2).Infof("[conn]%s <- %s\n", c.id, msgType)

	if protocol.IsDocumentRequest(msgType) {
		s.docs.Handle(s.ctx, c, msgType, frame)
		return
	}

	if _, ok := fields["session_id"]; !ok {
		fields["session_id"], _ = json.Marshal(c.sessionId)
	}
	out, err := json.Marshal(fields)
	if err != nil {
		glog.Errorf("[conn]%s encode %s error = %s\n", c.id, msgType, err)
		return
	}
	s.hub.Broadcast(c.sessionId, c, out)
	if msgType == protocol.TypeProblemUpdated && s.relay != nil {
		if err := s.relay.Publish(s.ctx, out); err != nil {
			glog.Errorf("[relay]publish %s error = %s\n", msgType, err)
		}
	}
}
