package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"verse-sync/internal/localstore"
	"verse-sync/internal/orchestrator"
	"verse-sync/internal/protocol"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the data directory and sync changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			orch, err := d.orchestrator(func(s orchestrator.Snapshot) {
				if s.Message != "" {
					d.logger.Infof("sync %s: %s", s.Status, s.Message)
					return
				}
				d.logger.Infof("sync %s cursor=%d", s.Status, s.LastSyncAt)
			})
			if err != nil {
				return err
			}
			defer orch.Close()

			watchErr := make(chan error, 1)
			go func() { watchErr <- d.store.Watch(ctx) }()

			prober := orchestrator.NewProber(d.client, orch, d.cfg.ProbeInterval(), d.logger)
			if prober.Probe(ctx) {
				if _, err := orch.PerformSync(ctx, false); err != nil {
					d.logger.Warnf("initial sync failed: %v", err)
				}
			}
			go prober.Run(ctx)

			d.logger.Infof("syncing %s as device %s", d.store.Dir(), orch.DeviceID())
			select {
			case <-ctx.Done():
				return nil
			case err := <-watchErr:
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("watch data dir: %w", err)
				}
				return nil
			}
		},
	}
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync round trip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			full, _ := cmd.Flags().GetBool("full")
			orch, err := d.orchestrator(nil)
			if err != nil {
				return err
			}
			defer orch.Close()

			before := orch.Cursor()
			cursor, err := orch.PerformSync(cmd.Context(), full)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced: cursor %d -> %d\n", before, cursor)
			return nil
		},
	}
	cmd.Flags().Bool("full", false, "push every locally set category, not only changed ones")
	return cmd
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <category> <json-file|->",
		Short: "Replace a category's local value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			category := strings.TrimSpace(args[0])
			if !protocol.IsKnownType(category) {
				return fmt.Errorf("unknown category %q (known: %s)", category, strings.Join(protocol.DataTypes(), ", "))
			}
			var (
				b   []byte
				err error
			)
			if args[1] == "-" {
				b, err = io.ReadAll(cmd.InOrStdin())
			} else {
				b, err = os.ReadFile(args[1])
			}
			if err != nil {
				return err
			}
			if !json.Valid(b) {
				return fmt.Errorf("%s is not valid JSON", args[1])
			}

			d, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.store.Set(category, json.RawMessage(b)); err != nil {
				return err
			}
			// Nothing is subscribed to the store here; record the change so
			// the next run or sync sends it.
			if err := localstore.AddPending(d.store, category); err != nil {
				return fmt.Errorf("record pending change: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", category)
			return nil
		},
	}
}
