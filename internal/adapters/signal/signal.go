// Package signal is the websocket adapter: it upgrades connections,
// pumps frames and translates wire messages into room operations.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/allov/coedit/internal/app"
	"github.com/allov/coedit/internal/config"
	"github.com/allov/coedit/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Registry *app.ClientRegistry
	Rooms    *app.RoomManager
	Cfg      *config.Config
}

func NewController(registry *app.ClientRegistry, rooms *app.RoomManager, cfg *config.Config) *Controller {
	return &Controller{Registry: registry, Rooms: rooms, Cfg: cfg}
}

// wsConn adapts a gorilla websocket to core.SignalConnection.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type uuidMsg struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

// Handle upgrades the request and runs the connection until it closes.
// Cleanup always runs to completion: the seat is vacated and the client
// unregistered even when the transport died mid-operation.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
	client := core.NewClient(conn)

	if username, ok := sessions.Default(c).Get("username").(string); ok && username != "" {
		if _, err := client.Authenticate(username); err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("cookie username rejected")
		}
	}

	if err := ctl.Registry.Register(client); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("register client")
		conn.Close()
		return
	}
	log.Info().Str("module", "signal").Str("id", string(client.ID)).Str("username", client.Username()).Msg("new WS connection")

	// The client learns its server-assigned id first thing.
	client.SendJSON(uuidMsg{Type: "uuid", Body: string(client.ID)})

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, client, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(ctl.Cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Cfg.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, client *core.Client, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("id", string(client.ID)).Msg("readPump closing")
		cancel()
		ctl.Rooms.Disconnect(client)
		client.Destroy()
		ctl.Registry.Unregister(client.ID)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("id", string(client.ID)).Msg("readPump read error")
				}
				return
			}
			ctl.dispatch(ctx, client, data)
		}
	}
}
