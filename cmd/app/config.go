package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kvinsights/kvinsights/cmd/utils"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/slog"
)

// ConfigFile holds the settings that can be changed while the server is running.
type ConfigFile struct {
	LogLevel string `json:"logLevel"`
}

// GetConfig reads and validates the config file at configPath.
func GetConfig(configPath string) (*ConfigFile, error) {
	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	conf := &ConfigFile{}
	if err := json.Unmarshal(file, conf); err != nil {
		return nil, fmt.Errorf("error decoding config file %s: %w", configPath, err)
	}
	if conf.LogLevel != "" {
		if _, err := utils.ParseLevel(conf.LogLevel); err != nil {
			return nil, fmt.Errorf("error validating config file %s: %w", configPath, err)
		}
	}
	return conf, nil
}

// applyConfig applies the settings of conf that are set.
func applyConfig(conf *ConfigFile, levelVar *slog.LevelVar) {
	if conf.LogLevel == "" {
		return
	}
	// Validated by GetConfig.
	level, _ := utils.ParseLevel(conf.LogLevel)
	levelVar.Set(level)
}

// watchConfig applies the config file at configPath now and every time it changes,
// until ctx is canceled. Invalid configs are logged and ignored. The directory is
// watched rather than the file so that editors replacing the file are noticed.
func watchConfig(ctx context.Context, configPath string, levelVar *slog.LevelVar, log *slog.Logger) error {
	log = log.With(slog.String("subService", "configWatcher"), slog.String("path", configPath))

	conf, err := GetConfig(configPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if conf != nil {
		applyConfig(conf, levelVar)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("error watching %s: %w", configPath, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(configPath) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				conf, err := GetConfig(configPath)
				if err != nil {
					log.Error("ignoring invalid config", slog.Any("error", err))
					continue
				}
				applyConfig(conf, levelVar)
				log.Info("config change detected, reloaded", slog.String("logLevel", levelVar.Level().String()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("config watcher error", slog.Any("error", err))
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info("watching config")
	return nil
}
