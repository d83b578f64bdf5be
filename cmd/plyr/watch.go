package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"plyr/internal/client"
	"plyr/internal/config"
	"plyr/internal/logging"
	"plyr/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// closeTimeout bounds the flush of unsent changes on exit.
const closeTimeout = 10 * time.Second

type watchOptions struct {
	user     string
	deviceID string
	name     string
	add      []string
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	opts := watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a user's queue as a headless device",
		Long: "Follow a user's queue as a headless device.\n\n" +
			"The device keeps a local copy in sync with the server through the\n" +
			"event stream and polling, and logs every change it observes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(opts.user) == "" {
				return errors.New("--user is required")
			}
			if opts.deviceID == "" {
				opts.deviceID = uuid.New().String()
			}

			logger, closer, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			defer closer.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWatch(runCtx, cfg, opts, logger)
		},
	}

	cmd.Flags().StringVarP(&opts.user, "user", "u", "", "Owner whose queue to follow")
	cmd.Flags().StringVar(&opts.deviceID, "device-id", "", "Device identifier (random when empty)")
	cmd.Flags().StringVar(&opts.name, "name", "plyr-watch", "Device name shown to other devices")
	cmd.Flags().StringSliceVar(&opts.add, "add", nil, "Track ids to append once the queue is loaded")

	return cmd
}

// runWatch drives one tab until ctx is cancelled, then flushes it.
func runWatch(ctx context.Context, cfg *config.Config, opts watchOptions, logger *logrus.Logger) error {
	api := client.NewAPIClient(cfg.Server.BaseURL, opts.user, opts.deviceID, &http.Client{Timeout: 15 * time.Second})
	stream, err := client.NewEventStream(cfg.Server.BaseURL, opts.user, opts.deviceID, opts.name, logger)
	if err != nil {
		return err
	}

	tabOpts := client.OptionsFromConfig(cfg)
	tabOpts.OwnerID = opts.user
	tabOpts.API = api
	tabOpts.Logger = logger.WithField("device_id", opts.deviceID)
	tab, err := client.NewBrowser(cfg.ChannelName()).OpenTab(tabOpts)
	if err != nil {
		return err
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go tab.Loop().Run(loopCtx)

	err = tab.Do(ctx, func(s *client.LocalState) error {
		s.Subscribe(func(v client.View) { logView(logger, v) })
		return nil
	})
	if err != nil {
		return err
	}
	tab.Start()

	go func() {
		if err := stream.Run(ctx, tab.Signal); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("Event stream stopped")
		}
	}()

	// Pending ops are replayed onto whatever the first fetch returns.
	if len(opts.add) > 0 {
		tracks := make([]models.TrackRef, 0, len(opts.add))
		for _, id := range opts.add {
			tracks = append(tracks, models.TrackRef{ID: strings.TrimSpace(id)})
		}
		if err := tab.Do(ctx, func(s *client.LocalState) error { return s.Add(tracks...) }); err != nil {
			logger.WithError(err).Error("Failed to add tracks")
		}
	}

	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return tab.Close(closeCtx)
}

func logView(logger logrus.FieldLogger, v client.View) {
	ids := make([]string, len(v.State.Tracks))
	for i, t := range v.State.Tracks {
		ids[i] = t.ID
	}
	fields := logrus.Fields{
		"version": v.State.Version,
		"tracks":  strings.Join(ids, ","),
		"shuffle": v.State.Shuffle,
		"repeat":  v.State.Repeat,
		"pending": v.Pending,
	}
	if v.State.CurrentIndex != nil {
		fields["current"] = *v.State.CurrentIndex
	}
	entry := logger.WithFields(fields)
	if v.SyncError != nil {
		entry.WithError(v.SyncError).Warn("Queue out of sync")
		return
	}
	entry.Info("Queue updated")
}
