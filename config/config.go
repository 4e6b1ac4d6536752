// Package config loads tlogd's server tuning knobs: viper-backed, with
// pflag overrides and a file watch for live reload.
package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every server tunable: backpressure limits, spill budgets,
// peek memory, and transport timing.
type Config struct {
	ListenAddr string
	DataDir    string

	HardLimitBytes        int64
	SpillByteBudget       int64
	SpillHighWaterBytes   int64
	PeekMemoryLimitBytes  int64
	LogRouterReadLimit    int
	RecoverMemoryLimit    int64
	PeekTrackerIdleTTL    time.Duration
	PeekSequenceWindow    int

	// SnapCommand is the external snapshot helper spawned for a snap exec
	// op; empty disables snap handling.
	SnapCommand string

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	MaxCoalesceDelay      time.Duration
	MaxPacketSendBytes    int
	PacketLimitBytes      int
	PingInterval          time.Duration
}

// Defaults returns conservative values, small enough for tests to exercise
// budget boundaries quickly.
func Defaults() Config {
	return Config{
		ListenAddr:            ":4500",
		DataDir:               "./tlog-data",
		HardLimitBytes:        1 << 30,
		SpillByteBudget:       4 << 20,
		SpillHighWaterBytes:   64 << 20,
		PeekMemoryLimitBytes:  256 << 20,
		LogRouterReadLimit:    8,
		RecoverMemoryLimit:    512 << 20,
		PeekTrackerIdleTTL:    5 * time.Minute,
		PeekSequenceWindow:    30,
		ReconnectInitialDelay: 50 * time.Millisecond,
		ReconnectMaxDelay:     5 * time.Second,
		MaxCoalesceDelay:      2 * time.Millisecond,
		MaxPacketSendBytes:    128 << 10,
		PacketLimitBytes:      8 << 20,
		PingInterval:          1 * time.Second,
	}
}

// Load reads defaults, then an optional config file, then flags
// (viper.Get* after SetConfigFile/BindPFlag), in that precedence order.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	cfg := Defaults()
	v := viper.New()
	v.SetDefault("listen-addr", cfg.ListenAddr)
	v.SetDefault("data-dir", cfg.DataDir)
	v.SetDefault("hard-limit-bytes", cfg.HardLimitBytes)
	v.SetDefault("spill-byte-budget", cfg.SpillByteBudget)
	v.SetDefault("spill-high-water-bytes", cfg.SpillHighWaterBytes)
	v.SetDefault("peek-memory-limit-bytes", cfg.PeekMemoryLimitBytes)
	v.SetDefault("log-router-read-limit", cfg.LogRouterReadLimit)
	v.SetDefault("recover-memory-limit", cfg.RecoverMemoryLimit)
	v.SetDefault("snap-command", cfg.SnapCommand)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return cfg, fmt.Errorf("config: binding flags: %w", err)
		}
	}

	cfg.ListenAddr = v.GetString("listen-addr")
	cfg.DataDir = v.GetString("data-dir")
	cfg.HardLimitBytes = v.GetInt64("hard-limit-bytes")
	cfg.SpillByteBudget = v.GetInt64("spill-byte-budget")
	cfg.SpillHighWaterBytes = v.GetInt64("spill-high-water-bytes")
	cfg.PeekMemoryLimitBytes = v.GetInt64("peek-memory-limit-bytes")
	cfg.LogRouterReadLimit = v.GetInt("log-router-read-limit")
	cfg.RecoverMemoryLimit = v.GetInt64("recover-memory-limit")
	cfg.SnapCommand = v.GetString("snap-command")
	return cfg, nil
}

// WatchReload installs an fsnotify watch on configFile and calls onChange
// whenever the file is rewritten, the way a long-running server can pick up
// tuning changes without a restart.
func WatchReload(configFile string, onChange func()) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(configFile); err != nil {
		w.Close()
		return nil, err
	}
	go func() {
		for event := range w.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				onChange()
			}
		}
	}()
	return w, nil
}
