package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/logparse"
)

const (
	defaultBackfill = 100
	keepAlive       = 15 * time.Second
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 60 * time.Second
)

// handleConsoleStream serves console entries as server-sent events. The
// stream replays ?tail= entries and ends with an "end" event when the server
// stops, or a "dropped" event when the client fell behind.
func (a *Agent) handleConsoleStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		abort(c, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}
	ctx := c.Request.Context()
	sub := a.hub.Subscribe(ctx, queryInt(c, "tail", defaultBackfill))
	defer sub.Close()
	filter := consoleFilter(c)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, open := <-sub.C():
			if !open {
				event := "end"
				if sub.Dropped() {
					event = "dropped"
				}
				fmt.Fprintf(w, "event: %s\ndata: {}\n\n", event)
				flusher.Flush()
				return
			}
			if !filter.Match(e) {
				continue
			}
			b, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", e.Seq, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// callers are authenticated by the agent token before the upgrade
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsMessage is the frame format in both directions.
type wsMessage struct {
	Type    string          `json:"type"`
	Entry   *logparse.Entry `json:"entry,omitempty"`
	Command string          `json:"command,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// handleConsoleWS streams console entries and accepts {"type":"command"}
// frames, each sent as a console command by the connected user.
func (a *Agent) handleConsoleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	user := userOf(c)
	ctx := c.Request.Context()
	sub := a.hub.Subscribe(ctx, queryInt(c, "tail", defaultBackfill))
	defer sub.Close()

	out := make(chan wsMessage, 16)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != "command" {
				continue
			}
			reply := wsMessage{Type: "ack", Command: msg.Command}
			if ok, _ := a.limiter.Allow(user); !ok {
				reply = wsMessage{Type: "error", Command: msg.Command, Error: "rate limited"}
			} else if err := a.SendCommand(ctx, user, msg.Command); err != nil {
				reply = wsMessage{Type: "error", Command: msg.Command, Error: err.Error()}
			}
			select {
			case out <- reply:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(wsPongWait * 9 / 10)
	defer ping.Stop()
	write := func(m wsMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(m)
	}
	for {
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case m := <-out:
			if err := write(m); err != nil {
				return
			}
		case e, open := <-sub.C():
			if !open {
				reason := "server stopped"
				if sub.Dropped() {
					reason = "client fell behind"
				}
				_ = write(wsMessage{Type: "end", Error: reason})
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(wsWriteWait))
				return
			}
			if err := write(wsMessage{Type: "log", Entry: &e}); err != nil {
				return
			}
		}
	}
}
