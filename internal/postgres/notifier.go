package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plyr/internal/notify"
	"plyr/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// Listener timings. A LISTEN connection can die silently (a "zombie"), so it
// is pinged after every quiet heartbeat interval and re-established on failure.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultNotifyTimeout     = time.Second
	DefaultReconnectDelay    = 5 * time.Second
)

// Notifier carries change events over LISTEN/NOTIFY. Publishing goes through
// the shared pool; listening holds one dedicated connection.
type Notifier struct {
	db      DB
	url     string
	channel string
	logger  logrus.FieldLogger

	HeartbeatInterval time.Duration
	NotifyTimeout     time.Duration
	ReconnectDelay    time.Duration

	connect func(ctx context.Context, url string) (listenConn, error)
}

// listenConn is the part of *pgx.Conn used by the listen loop.
type listenConn interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (string, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var _ notify.Backend = (*Notifier)(nil)

// NewNotifier creates a notifier publishing through db and listening on a
// dedicated connection to url.
func NewNotifier(db DB, url, channel string, logger logrus.FieldLogger) *Notifier {
	return &Notifier{
		db:                db,
		url:               url,
		channel:           channel,
		logger:            logger,
		HeartbeatInterval: DefaultHeartbeatInterval,
		NotifyTimeout:     DefaultNotifyTimeout,
		ReconnectDelay:    DefaultReconnectDelay,
		connect:           dialListenConn,
	}
}

// Publish sends a NOTIFY on the channel. It gives up after NotifyTimeout so a
// stuck connection cannot stall the write path.
func (n *Notifier) Publish(ctx context.Context, ev models.ChangeEvent) error {
	payload, err := notify.Encode(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.NotifyTimeout)
	defer cancel()

	if _, err := n.db.Exec(ctx, "SELECT pg_notify($1, $2)", n.channel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", n.channel, err)
	}
	return nil
}

// Listen holds a LISTEN connection until ctx is done, reconnecting after
// ReconnectDelay whenever the connection fails.
func (n *Notifier) Listen(ctx context.Context, handle func(models.ChangeEvent)) error {
	for {
		err := n.listenOnce(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.logger.WithError(err).Warn("Queue listener connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.ReconnectDelay):
		}
	}
}

func (n *Notifier) listenOnce(ctx context.Context, handle func(models.ChangeEvent)) error {
	conn, err := n.connect(ctx, n.url)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if err := conn.Listen(ctx, n.channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	n.logger.WithField("channel", n.channel).Info("Listening for queue changes on postgres")

	for {
		waitCtx, cancel := context.WithTimeout(ctx, n.HeartbeatInterval)
		payload, err := conn.WaitForNotification(waitCtx)
		quiet := errors.Is(waitCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !quiet {
				return err
			}
			pingCtx, cancel := context.WithTimeout(ctx, n.HeartbeatInterval)
			err = conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			continue
		}

		ev, err := notify.Decode(payload)
		if err != nil {
			n.logger.WithError(err).WithField("payload", payload).Warn("Ignoring malformed queue notification")
			continue
		}
		handle(ev)
	}
}

// Close is a no-op: the pool belongs to the store and the listen connection
// is closed when Listen returns.
func (n *Notifier) Close() error {
	return nil
}

// pgxListenConn adapts *pgx.Conn to listenConn.
type pgxListenConn struct {
	conn *pgx.Conn
}

func dialListenConn(ctx context.Context, url string) (listenConn, error) {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &pgxListenConn{conn: conn}, nil
}

func (c *pgxListenConn) Listen(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (c *pgxListenConn) WaitForNotification(ctx context.Context) (string, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

func (c *pgxListenConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxListenConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
