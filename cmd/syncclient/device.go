package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"verse-sync/internal/client"
	"verse-sync/internal/config"
	"verse-sync/internal/localstore"
	"verse-sync/internal/logging"
	"verse-sync/internal/orchestrator"
	"verse-sync/internal/protocol"
)

type device struct {
	cfg    config.ClientConfig
	logger *logging.Logger
	store  *localstore.FileStore
	client *client.Client
	meta   localstore.Meta
}

func openDevice(cmd *cobra.Command) (*device, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClient(path)
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	store, err := localstore.NewFileStore(cfg.DataDir, logger)
	if err != nil {
		logger.Close()
		return nil, err
	}
	meta, err := store.LoadMeta()
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	if cfg.DeviceID != "" && cfg.DeviceID != meta.DeviceID {
		meta.DeviceID = cfg.DeviceID
		if err := store.UpdateMeta(func(m *localstore.Meta) { m.DeviceID = cfg.DeviceID }); err != nil {
			logger.Close()
			return nil, err
		}
	}

	// Tokens saved by a previous refresh are newer than the configured ones.
	access, refresh := meta.AccessToken, meta.RefreshToken
	if access == "" && refresh == "" {
		access, refresh = cfg.AccessToken, cfg.RefreshToken
	}
	var session *client.Session
	if access != "" || refresh != "" {
		session = client.NewSession(access, refresh)
		session.OnChange(func(pair protocol.TokenPair) {
			err := store.UpdateMeta(func(m *localstore.Meta) {
				m.AccessToken, m.RefreshToken = pair.AccessToken, pair.RefreshToken
			})
			if err != nil {
				logger.Warnf("persist tokens: %v", err)
			}
		})
	}

	httpClient := client.NewHTTPClient(cfg.RequestTimeout())
	return &device{
		cfg:    cfg,
		logger: logger,
		store:  store,
		client: client.NewClient(httpClient, cfg.BaseURL, cfg.UserID, session).WithBasePath(cfg.BasePath),
		meta:   meta,
	}, nil
}

func (d *device) orchestrator(onStatus func(orchestrator.Snapshot)) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(d.store, d.store, d.client, orchestrator.Options{
		DeviceID:    d.meta.DeviceID,
		Debounce:    d.cfg.Debounce(),
		BackoffBase: d.cfg.BackoffBase(),
		BackoffMax:  d.cfg.BackoffMax(),
		Logger:      d.logger,
		OnStatus:    onStatus,
	})
}

func (d *device) Close() {
	d.logger.Close()
}
