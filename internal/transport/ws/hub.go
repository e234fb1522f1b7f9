package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"uirunner/internal/eventbus"
	"uirunner/pkg/logx"
)

// Config holds the hot-reloadable connection settings.
type Config struct {
	AllowedOrigins    []string
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	SendBuffer        int
	CommandRatePerSec int
	CommandBurst      int
	CommandTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 1024
	}
	if c.CommandRatePerSec <= 0 {
		c.CommandRatePerSec = 5
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = 10
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	return c
}

type Options struct {
	Config    Config
	Scheduler Scheduler
	// Workspace is optional; workspace commands fail without it.
	Workspace Workspace
	Bus       eventbus.Bus
	// Audit is optional.
	Audit Auditor
	Log   logx.Logger
	// WorkspaceTimeout bounds one workspace command.
	WorkspaceTimeout time.Duration
}

// Hub owns every observer connection.
//
// Each connection has its own bus subscription, so fan-out is the bus and a
// slow observer only drops its own events. When drops are detected the
// observer is resynchronized with a fresh init snapshot.
type Hub struct {
	opts     Options
	log      logx.Logger
	upgrader websocket.Upgrader
	handlers map[string]command

	mu      sync.Mutex
	cfg     Config
	clients map[string]*client
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(opts Options) *Hub {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "ws"))
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:    opts,
		log:     log,
		cfg:     opts.Config.withDefaults(),
		clients: map[string]*client{},
		ctx:     ctx,
		cancel:  cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	mw := []Middleware{MWPanicRecover(log), MWRequestLog(log), MWAudit(opts.Audit, log)}
	h.handlers = map[string]command{}
	for name, c := range h.commands() {
		timeout := h.cfg.CommandTimeout
		if c.long {
			timeout = opts.WorkspaceTimeout
		}
		c.h = Chain(c.h, append(mw, MWTimeout(timeout))...)
		h.handlers[name] = c
	}
	return h
}

func (h *Hub) config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// Apply updates settings for new connections and retunes the command
// limiter of existing ones.
func (h *Hub) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	h.mu.Lock()
	h.cfg = cfg
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.limiter.SetLimit(rate.Limit(cfg.CommandRatePerSec))
		c.limiter.SetBurst(cfg.CommandBurst)
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	allowed := h.config().AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients.
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
			return true
		}
	}
	return false
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the observer until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", logx.Err(err))
		return
	}

	cfg := h.config()
	id := uuid.NewString()
	c := &client{
		id:      id,
		remote:  r.RemoteAddr,
		conn:    conn,
		hub:     h,
		cfg:     cfg,
		log:     h.log.With(logx.String("observer", id)),
		out:     make(chan Frame, 64),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandRatePerSec), cfg.CommandBurst),
	}
	if h.opts.Bus != nil {
		c.sub = h.opts.Bus.Subscribe(cfg.SendBuffer)
	}

	if !h.add(c) {
		_ = conn.Close()
		if c.sub != nil {
			c.sub.Close()
		}
		return
	}
	c.log.Info("observer connected", logx.String("remote", c.remote))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writeLoop(h.ctx)
	}()
	c.readLoop(h.ctx)

	c.close()
	h.remove(c)
	c.log.Info("observer disconnected")
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

// Close disconnects every observer and waits for background commands.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.cancel()
	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch runs one command and queues its result for the issuer.
func (h *Hub) dispatch(ctx context.Context, c *client, in inbound) {
	res := CommandResult{Command: in.Event, RequestID: in.ID}

	cmd, ok := h.handlers[in.Event]
	if !ok {
		res.Error = ErrUnknownCommand.Error()
		c.send(Frame{Event: EventCommandResult, Data: res, Time: time.Now()})
		return
	}
	if in.Event != CmdPing && !c.limiter.Allow() {
		res.Error = ErrRateLimited.Error()
		c.send(Frame{Event: EventCommandResult, Data: res, Time: time.Now()})
		return
	}

	req := &Request{
		Command:  in.Event,
		ID:       in.ID,
		Data:     in.Data,
		Observer: c.id,
		Remote:   c.remote,
		Logger:   c.log,
	}
	run := func() {
		out, err := cmd.h(ctx, req)
		res.Data = out
		res.Success = err == nil
		if err != nil {
			res.Error = err.Error()
		}
		c.send(Frame{Event: EventCommandResult, Data: res, Time: time.Now()})
	}
	if !cmd.long {
		run()
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		run()
	}()
}
