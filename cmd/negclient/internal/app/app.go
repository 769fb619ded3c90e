// Package app wires negclient's cobra command tree: sync (print have/need
// against a local events file) and publish (send one event and wait for
// OK), both against a single relay.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nogringo/nip77/client"
	"github.com/nogringo/nip77/config"
)

// GetCommand returns negclient's root cobra command.
func GetCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "negclient",
		Short: "negentropy (NIP-77) set-reconciliation client",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a negclient config file")

	root.AddCommand(syncCommand(&configPath), publishCommand(&configPath))
	return root
}

func loadLogger() *zap.Logger {
	log, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func syncCommand(configPath *string) *cobra.Command {
	var eventsFile string
	var kinds []int

	c := &cobra.Command{
		Use:   "sync",
		Short: "reconcile a local event-id set against a relay and print have/need",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := loadLogger()
			defer log.Sync()

			myEvents, err := readEventIDs(eventsFile)
			if err != nil {
				return fmt.Errorf("negclient sync: %w", err)
			}

			ctx, cancel := notifyContext()
			defer cancel()

			cli, err := client.Dial(ctx, cfg.RelayURL, append(cfg.ClientOptions(), client.WithLogger(log))...)
			if err != nil {
				return fmt.Errorf("negclient sync: dial %s: %w", cfg.RelayURL, err)
			}
			defer cli.Close()

			filter := client.NewFilter()
			if len(kinds) > 0 {
				filter = filter.Kinds(kinds...)
			}

			have, need, err := cli.Sync(ctx, myEvents, filter)
			if err != nil {
				return fmt.Errorf("negclient sync: %w", err)
			}

			cmd.SilenceUsage = true
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"have": have, "need": need})
		},
	}
	c.Flags().StringVar(&eventsFile, "events", "", "path to a JSON object of {id_hex: created_at} this client already has")
	c.Flags().IntSliceVar(&kinds, "kinds", nil, "restrict the relay filter to these event kinds")
	return c
}

func publishCommand(configPath *string) *cobra.Command {
	var eventFile string

	c := &cobra.Command{
		Use:   "publish",
		Short: "publish one signed event and wait for the relay's OK",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := loadLogger()
			defer log.Sync()

			ev, err := readEvent(eventFile)
			if err != nil {
				return fmt.Errorf("negclient publish: %w", err)
			}

			ctx, cancel := notifyContext()
			defer cancel()

			cli, err := client.Dial(ctx, cfg.RelayURL, append(cfg.ClientOptions(), client.WithLogger(log))...)
			if err != nil {
				return fmt.Errorf("negclient publish: dial %s: %w", cfg.RelayURL, err)
			}
			defer cli.Close()

			publishCtx, publishCancel := context.WithTimeout(ctx, cfg.PublishTimeout)
			defer publishCancel()

			accepted, msg, err := cli.Publish(publishCtx, ev)
			if err != nil {
				return fmt.Errorf("negclient publish: %w", err)
			}

			cmd.SilenceUsage = true
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"accepted": accepted, "message": msg})
		},
	}
	c.Flags().StringVar(&eventFile, "event", "", "path to a JSON-encoded signed event")
	return c
}

func readEventIDs(path string) (map[string]uint64, error) {
	if path == "" {
		return map[string]uint64{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

func readEvent(path string) (client.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return client.Event{}, fmt.Errorf("read %s: %w", path, err)
	}
	var ev client.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return client.Event{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return ev, nil
}
