package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jrsteele09/go-listsync/internal/config"
	"github.com/jrsteele09/go-listsync/internal/errors"
	"github.com/jrsteele09/go-listsync/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Kind is the kind of scope a subscriber follows. One subscriber exists per
// kind; changing its scope id supersedes the previous subscription.
type Kind string

const (
	KindList      Kind = "list"
	KindWorkspace Kind = "workspace"
)

// Topic returns the broker destination for scopeID.
func (k Kind) Topic(scopeID string) string {
	switch k {
	case KindWorkspace:
		return "/topic/workspaces/" + scopeID
	default:
		return "/topic/lists/" + scopeID
	}
}

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Options configures a Subscriber.
type Options struct {
	URL              string
	Kind             Kind
	Handler          Handler
	Backoff          Backoff
	HandshakeTimeout time.Duration
	// Heartbeat is the STOMP heart-beat interval offered to the broker; zero
	// disables heart-beating.
	Heartbeat     time.Duration
	Dialer        *websocket.Dialer
	OnStateChange func(State)
	Logger        *zerolog.Logger
}

// DefaultOptions fills the timing fields from cfg.
func DefaultOptions(cfg config.RealtimeConfig, rawURL string, kind Kind, handler Handler) Options {
	return Options{
		URL:              rawURL,
		Kind:             kind,
		Handler:          handler,
		Backoff:          BackoffFromConfig(cfg),
		HandshakeTimeout: cfg.GetHandshakeTimeout(),
		Heartbeat:        cfg.GetHeartbeat(),
	}
}

// Subscriber keeps one live subscription for the current scope id and hands
// inbound change events to the handler. A dropped transport is reconnected
// with backoff; changing the scope, clearing the token or closing tears the
// connection down before anything new is opened.
//
// The handler runs on the subscriber's connection goroutine and must not call
// SetScope, SetToken, Restart or Close synchronously.
type Subscriber struct {
	opts Options
	log  zerolog.Logger

	// opMu serializes lifecycle changes; mu guards the fields below.
	opMu    sync.Mutex
	mu      sync.Mutex
	scopeID string
	token   string
	state   State
	gen     uint64
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSubscriber(opts Options) *Subscriber {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	if opts.Kind == "" {
		opts.Kind = KindList
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Subscriber{
		opts: opts,
		log:  logger.With().Str("component", "realtime").Str("kind", string(opts.Kind)).Logger(),
	}
}

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scopeID
}

// SetScope points the subscriber at scopeID; "" unsubscribes and goes idle.
func (s *Subscriber) SetScope(scopeID string) {
	s.update(func() bool {
		changed := s.scopeID != scopeID
		s.scopeID = scopeID
		return changed
	})
}

// SetToken supplies the bearer credential. A rotated token is used from the
// next (re)connect on; an empty token ends the subscription.
func (s *Subscriber) SetToken(token string) {
	s.update(func() bool {
		restart := (s.token == "") != (token == "")
		s.token = token
		return restart
	})
}

// Restart drops the current connection and starts over, resetting the
// reconnect budget.
func (s *Subscriber) Restart() {
	s.update(func() bool { return true })
}

// Close tears the subscription down for good.
func (s *Subscriber) Close() {
	s.update(func() bool {
		if s.closed {
			return false
		}
		s.closed = true
		return true
	})
}

// SessionSource is the part of the session store the subscriber follows.
type SessionSource interface {
	AccessToken() string
	OnChange(fn func(session.Session)) func()
}

// BindSession keeps the subscriber's token in step with src: sign-in starts
// it, refreshes rotate the credential, sign-out tears it down.
func (s *Subscriber) BindSession(src SessionSource) func() {
	s.SetToken(src.AccessToken())
	return src.OnChange(func(session.Session) {
		s.SetToken(src.AccessToken())
	})
}

func (s *Subscriber) update(mutate func() bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !mutate() {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.gen++
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		s.transition(s.currentGen(), StateClosed)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.transition(s.currentGen(), StateClosed)
		return
	}
	if s.scopeID == "" || s.token == "" {
		s.mu.Unlock()
		s.transition(s.currentGen(), StateIdle)
		return
	}
	ctx, runCancel := context.WithCancel(context.Background())
	s.cancel = runCancel
	s.done = make(chan struct{})
	gen, scopeID, runDone := s.gen, s.scopeID, s.done
	s.mu.Unlock()

	go s.run(ctx, gen, scopeID, runDone)
}

func (s *Subscriber) currentGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Subscriber) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// transition sets the state unless gen has been superseded.
func (s *Subscriber) transition(gen uint64, state State) {
	s.mu.Lock()
	if gen != s.gen || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.log.Debug().Str("state", state.String()).Msg("Subscriber state")
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(state)
	}
}

func (s *Subscriber) run(ctx context.Context, gen uint64, scopeID string, done chan struct{}) {
	defer close(done)
	logger := s.log.With().Str("scope_id", scopeID).Logger()

	attempt := 0
	for {
		if attempt > 0 {
			if s.opts.Backoff.Exhausted(attempt) {
				logger.Warn().Int("attempts", attempt-1).Msg("Giving up reconnecting")
				s.transition(gen, StateIdle)
				return
			}
			s.transition(gen, StateReconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.Backoff.Delay(attempt)):
			}
		}

		s.transition(gen, StateConnecting)
		conn, err := s.connect(ctx, gen, scopeID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Info().Err(err).Int("attempt", attempt).Msg("Realtime connect failed")
			attempt++
			continue
		}

		attempt = 0
		err = s.listen(ctx, conn, gen, scopeID)
		if ctx.Err() != nil {
			return
		}
		logger.Info().Err(err).Msg("Realtime transport dropped")
		attempt++
	}
}

// conn serializes writes; gorilla/websocket allows one concurrent writer.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subID   string
	// serverBeat is how often the broker promised to send heart-beats.
	serverBeat time.Duration
	// clientBeat is how often we must send them.
	clientBeat time.Duration
}

func (c *conn) write(f Frame, timeout time.Duration) error {
	return c.writeRaw(f.Encode(), timeout)
}

func (c *conn) writeRaw(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Subscriber) connect(ctx context.Context, gen uint64, scopeID string) (*conn, error) {
	token := s.currentToken()
	if token == "" {
		return nil, errors.ErrNotAuthenticated
	}
	bearer := "Bearer " + token

	header := http.Header{}
	header.Set("Authorization", bearer)
	ws, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("[Subscriber connect] dial: %w", err)
	}

	success := false
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer func() {
		stop()
		if !success {
			ws.Close()
		}
	}()

	c := &conn{ws: ws, subID: uuid.NewString()}
	timeout := s.opts.HandshakeTimeout

	beat := strconv.FormatInt(s.opts.Heartbeat.Milliseconds(), 10)
	if err := c.write(NewFrame(CmdConnect, map[string]string{
		"accept-version": "1.2",
		"host":           hostOf(s.opts.URL),
		"heart-beat":     beat + "," + beat,
		"Authorization":  bearer,
	}, nil), timeout); err != nil {
		return nil, fmt.Errorf("[Subscriber connect] send CONNECT: %w", err)
	}

	if timeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(timeout))
	}
	var connected Frame
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("[Subscriber connect] await CONNECTED: %w", err)
		}
		connected, err = DecodeFrame(data)
		if err != nil {
			return nil, fmt.Errorf("[Subscriber connect] await CONNECTED: %w", err)
		}
		if !connected.IsHeartbeat() {
			break
		}
	}
	switch connected.Command {
	case CmdConnected:
	case CmdError:
		return nil, fmt.Errorf("[Subscriber connect] broker refused: %s", connected.Header("message"))
	default:
		return nil, fmt.Errorf("[Subscriber connect] unexpected %s frame", connected.Command)
	}
	c.serverBeat, c.clientBeat = negotiateHeartbeat(s.opts.Heartbeat, connected.Header("heart-beat"))
	s.transition(gen, StateConnected)

	if err := c.write(NewFrame(CmdSubscribe, map[string]string{
		"id":          c.subID,
		"destination": s.opts.Kind.Topic(scopeID),
		"ack":         "auto",
	}, nil), timeout); err != nil {
		return nil, fmt.Errorf("[Subscriber connect] send SUBSCRIBE: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	success = true
	s.transition(gen, StateSubscribed)
	return c, nil
}

// listen reads frames until the transport fails or ctx ends. On ctx end it
// unsubscribes and disconnects politely before closing.
func (s *Subscriber) listen(ctx context.Context, c *conn, gen uint64, scopeID string) error {
	handleCtx, handleCancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-handleCtx.Done()
		if ctx.Err() != nil {
			_ = c.write(NewFrame(CmdUnsubscribe, map[string]string{"id": c.subID}, nil), time.Second)
			_ = c.write(NewFrame(CmdDisconnect, nil, nil), time.Second)
		}
		c.ws.Close()
	}()
	defer func() {
		handleCancel()
		wg.Wait()
	}()

	if c.clientBeat > 0 {
		go func() {
			ticker := time.NewTicker(c.clientBeat)
			defer ticker.Stop()
			for {
				select {
				case <-handleCtx.Done():
					return
				case <-ticker.C:
					if err := c.writeRaw([]byte("\n"), c.clientBeat); err != nil {
						handleCancel()
						return
					}
				}
			}
		}()
	}

	for {
		if c.serverBeat > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(3 * c.serverBeat))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			s.log.Debug().Err(err).Msg("Dropping malformed frame")
			continue
		}
		switch frame.Command {
		case "":
			// heart-beat
		case CmdMessage:
			s.deliver(gen, scopeID, frame.Body)
		case CmdError:
			return fmt.Errorf("broker error: %s", frame.Header("message"))
		default:
			s.log.Debug().Str("command", frame.Command).Msg("Ignoring frame")
		}
	}
}

func (s *Subscriber) deliver(gen uint64, scopeID string, body []byte) {
	ev, err := ParseEvent(body)
	if err != nil {
		s.log.Debug().Err(err).Str("scope_id", scopeID).Msg("Dropping malformed push")
		return
	}
	if s.currentGen() != gen {
		return
	}
	ev.Kind = s.opts.Kind
	ev.ScopeID = scopeID

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Realtime handler panicked")
		}
	}()
	if s.opts.Handler != nil {
		s.opts.Handler(ev)
	}
}

// negotiateHeartbeat applies the STOMP rule: each side beats at the larger of
// what it offers and what the peer asks for, zero meaning never.
func negotiateHeartbeat(offer time.Duration, header string) (server, client time.Duration) {
	sx, sy, ok := strings.Cut(header, ",")
	if !ok || offer <= 0 {
		return 0, 0
	}
	serverSends := parseMillis(sx)
	serverWants := parseMillis(sy)
	if serverSends > 0 {
		server = max(serverSends, offer)
	}
	if serverWants > 0 {
		client = max(serverWants, offer)
	}
	return server, client
}

func parseMillis(s string) time.Duration {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
