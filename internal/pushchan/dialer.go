package pushchan

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/fieldsync/internal/syncstate"
)

const (
	defaultReadLimit        = 1 << 20
	defaultHandshakeTimeout = 10 * time.Second
)

// TokenSource supplies the bearer token sent on the handshake.
type TokenSource interface {
	Token() (string, error)
}

// Dialer opens one websocket per channel against a dispatch service. It
// implements syncstate.Transport.
type Dialer struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     syncstate.Logger
	readLimit  int64
	// handshakeTimeout bounds the upgrade request in place of the client timeout.
	handshakeTimeout time.Duration
}

func NewDialer(baseURL string, tokens TokenSource, httpClient *http.Client, logger syncstate.Logger) *Dialer {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	// The websocket library bounds the handshake with the context and
	// refuses clients that carry their own timeout.
	handshakeTimeout := defaultHandshakeTimeout
	if httpClient != nil && httpClient.Timeout > 0 {
		handshakeTimeout = httpClient.Timeout
		clone := *httpClient
		clone.Timeout = 0
		httpClient = &clone
	}
	return &Dialer{
		baseURL:          baseURL,
		tokens:           tokens,
		httpClient:       httpClient,
		logger:           logger,
		readLimit:        defaultReadLimit,
		handshakeTimeout: handshakeTimeout,
	}
}

// ChannelURL is the websocket endpoint for channel.
func (d *Dialer) ChannelURL(channel string) string {
	return d.baseURL + "/v1/channels/" + url.PathEscape(channel)
}

func (d *Dialer) Subscribe(ctx context.Context, channel string) (syncstate.Stream, error) {
	header := http.Header{}
	if d.tokens != nil {
		token, err := d.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
		if token = strings.TrimSpace(token); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, d.handshakeTimeout)
	defer cancelDial()
	conn, resp, err := websocket.Dial(dialCtx, d.ChannelURL(channel), &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial channel %s: http %d: %w", channel, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial channel %s: %w", channel, err)
	}
	conn.SetReadLimit(d.readLimit)

	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		channel: channel,
		conn:    conn,
		events:  make(chan syncstate.Event, 64),
		ctx:     streamCtx,
		cancel:  cancel,
		logger:  d.logger,
	}
	go s.readLoop()
	return s, nil
}

type stream struct {
	channel   string
	conn      *websocket.Conn
	events    chan syncstate.Event
	ctx       context.Context
	cancel    context.CancelFunc
	logger    syncstate.Logger
	closeOnce sync.Once
}

func (s *stream) Events() <-chan syncstate.Event {
	return s.events
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (s *stream) readLoop() {
	defer close(s.events)
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logf("channel %s read failed: %v", s.channel, err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			s.logf("channel %s: %v", s.channel, err)
			continue
		}
		if frame.Channel != "" && frame.Channel != s.channel {
			continue
		}
		event := syncstate.Event{Channel: s.channel, Name: frame.Event, Data: []byte(frame.Data)}
		select {
		case s.events <- event:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *stream) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
