package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"plyr/pkg/models"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// EventStream follows the server's change notifications for one user over a
// websocket, reconnecting with backoff. Losing the stream only slows
// cross-device sync down to the polling interval.
type EventStream struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	backoff *backoff.Backoff
	logger  logrus.FieldLogger
}

// NewEventStream builds a stream for the server at baseURL.
func NewEventStream(baseURL, userID, deviceID, deviceName string, logger logrus.FieldLogger) (*EventStream, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/queue/events")
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if deviceName != "" {
		q := u.Query()
		q.Set("name", deviceName)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	header.Set(HeaderUserID, userID)
	if deviceID != "" {
		header.Set(HeaderDeviceID, deviceID)
	}

	return &EventStream{
		url:    u.String(),
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		backoff: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		logger: logger,
	}, nil
}

// Run delivers events to handle until ctx is done. handle is called from the
// stream's goroutine.
func (s *EventStream) Run(ctx context.Context, handle func(models.ChangeEvent)) error {
	for {
		err := s.follow(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := s.backoff.Duration()
		s.logger.WithError(err).WithField("retry_in", wait).Warn("Change stream lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *EventStream) follow(ctx context.Context, handle func(models.ChangeEvent)) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	s.logger.WithField("url", s.url).Info("Change stream connected")
	first := true
	for {
		var ev models.ChangeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		if first {
			s.backoff.Reset()
			first = false
		}
		handle(ev)
	}
}
