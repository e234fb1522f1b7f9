package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"uirunner/internal/eventbus"
	"uirunner/pkg/logx"
)

const maxCommandSize = 1 << 20

type client struct {
	id      string
	remote  string
	conn    *websocket.Conn
	hub     *Hub
	cfg     Config
	log     logx.Logger
	sub     *eventbus.Subscription
	limiter *rate.Limiter

	// out carries direct frames (init, command_result) to the writer.
	out  chan Frame
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.sub != nil {
			c.sub.Close()
		}
	})
}

// send queues a frame for this observer only. It drops the frame if the
// observer is gone or hopelessly behind.
func (c *client) send(f Frame) {
	select {
	case <-c.done:
	case c.out <- f:
	default:
		c.log.Warn("observer send buffer full, dropping frame", logx.String("event", f.Event))
	}
}

func (c *client) readLoop(ctx context.Context) {
	pongWait := 2 * c.cfg.PingInterval
	c.conn.SetReadLimit(maxCommandSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("observer read error", logx.Err(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
			c.send(Frame{
				Event: EventCommandResult,
				Data:  CommandResult{Error: ErrBadPayload.Error()},
				Time:  time.Now(),
			})
			continue
		}
		c.hub.dispatch(ctx, c, in)
	}
}

func (c *client) writeLoop(ctx context.Context) {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
		c.close()
	}()

	if err := c.resync(ctx); err != nil {
		c.log.Debug("init failed", logx.Err(err))
		return
	}

	var events <-chan eventbus.Event
	var dropped uint64
	if c.sub != nil {
		events = c.sub.C
	}

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		case f := <-c.out:
			if err := c.write(f); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := c.write(Frame{Event: e.Type, Data: e.Data, Time: e.Time}); err != nil {
				return
			}
			if d := c.sub.Dropped(); d > dropped {
				c.log.Warn("observer fell behind, resyncing", logx.Uint64("dropped", d-dropped))
				dropped = d
				if err := c.resync(ctx); err != nil {
					return
				}
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *client) resync(ctx context.Context) error {
	if c.hub.opts.Scheduler == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	snap, err := c.hub.opts.Scheduler.Snapshot(sctx)
	if err != nil {
		return err
	}
	return c.write(Frame{Event: EventInit, Data: snap, Time: time.Now()})
}

func (c *client) write(f Frame) error {
	if f.Time.IsZero() {
		f.Time = time.Now()
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err := c.conn.WriteJSON(f)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug("observer write failed", logx.Err(err))
	}
	return err
}
