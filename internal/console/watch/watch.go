// Package watch follows the enigmad change stream and replays it onto the
// console event bus.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/blowfish/enigma/internal/console/auth"
	"github.com/blowfish/enigma/internal/console/dataprovider"
	"github.com/blowfish/enigma/internal/console/eventbus"
	"github.com/blowfish/enigma/internal/console/httperr"
	"github.com/blowfish/enigma/internal/shared/changes"
)

const eventsPath = "/ws/v1/events"

// Options configures a Stream.
type Options struct {
	BaseURL string
	Tokens  dataprovider.TokenSource
	Retrier *dataprovider.Retrier
	Bus     *eventbus.Bus
	Logger  *slog.Logger
	Dialer  *websocket.Dialer
	// NewBackOff builds the reconnect policy; the default retries forever with
	// exponential delays capped at 30s.
	NewBackOff func() backoff.BackOff
	// OnEvent, when set, sees every decoded event before it is dispatched.
	OnEvent func(changes.Event)
}

// Stream is a reconnecting subscription to /ws/v1/events.
type Stream struct {
	url        string
	tokens     dataprovider.TokenSource
	retrier    *dataprovider.Retrier
	bus        *eventbus.Bus
	logger     *slog.Logger
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	onEvent    func(changes.Event)
}

// New validates opts and builds a Stream.
func New(opts Options) (*Stream, error) {
	wsURL, err := streamURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("watch: token source required")
	}
	if opts.Retrier == nil {
		return nil, fmt.Errorf("watch: retrier required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("watch: bus required")
	}
	s := &Stream{
		url:        wsURL,
		tokens:     opts.Tokens,
		retrier:    opts.Retrier,
		bus:        opts.Bus,
		logger:     opts.Logger,
		dialer:     opts.Dialer,
		newBackOff: opts.NewBackOff,
		onEvent:    opts.OnEvent,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.dialer == nil {
		s.dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	if s.newBackOff == nil {
		s.newBackOff = defaultBackOff
	}
	return s, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func streamURL(base string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("watch: parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("watch: unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("watch: base url must include a host")
	}
	parsed.Path = path.Join("/", parsed.Path, eventsPath)
	return parsed.String(), nil
}

// URL returns the websocket endpoint the stream dials.
func (s *Stream) URL() string {
	return s.url
}

// Run follows the stream until ctx ends, reconnecting after failures. It
// returns ctx.Err() on cancellation, or the first error that retrying cannot
// fix, such as an expired session.
func (s *Stream) Run(ctx context.Context) error {
	b := backoff.WithContext(s.newBackOff(), ctx)
	op := func() error {
		conn, err := s.connect(ctx)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		s.logger.Info("event stream connected", "url", s.url)
		b.Reset()
		err = s.consume(ctx, conn)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("watch: stream closed by server")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("event stream interrupted", "error", err, "retry_in", wait)
	}
	err := backoff.RetryNotify(op, b, notify)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// permanent reports errors a reconnect will not cure.
func permanent(err error) bool {
	if errors.Is(err, auth.ErrNotAuthenticated) || errors.Is(err, auth.ErrSessionExpired) {
		return true
	}
	status := httperr.StatusOf(err)
	return status >= 400 && status < 500
}

// connect dials once, and once more after re-authenticating if the handshake
// is rejected with 401.
func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	return dataprovider.Retry(ctx, s.retrier, s.dial)
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, httperr.FromResponse(resp)
		}
		return nil, fmt.Errorf("watch: dial: %w", err)
	}
	return conn, nil
}

func (s *Stream) consume(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	for {
		var ev changes.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("watch: read: %w", err)
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}
		Dispatch(s.bus, ev)
	}
}

// Dispatch replays a server change event onto bus, flagged as remote. Unknown
// event types are ignored.
func Dispatch(bus *eventbus.Bus, ev changes.Event) {
	change := eventbus.RecordChange{Resource: ev.Resource, IDs: []string{ev.ID}, Record: ev.Record, Remote: true}
	switch ev.Type {
	case changes.TypeRecordCreated:
		bus.Dispatch(eventbus.EventRecordCreated, change)
	case changes.TypeRecordUpdated, changes.TypeCallbackResent:
		bus.Dispatch(eventbus.EventRecordUpdated, change)
	case changes.TypeRecordDeleted:
		bus.Dispatch(eventbus.EventRecordDeleted, change)
	case changes.TypeTransactionReversed:
		bus.Dispatch(eventbus.EventTransactionReversed, eventbus.TransactionReversed{
			ID:         ev.ID,
			Record:     ev.Record,
			ReversedAt: ev.Timestamp,
			Remote:     true,
		})
		bus.Dispatch(eventbus.EventRecordUpdated, change)
	}
}
