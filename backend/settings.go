/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/dc0d/onexit"

	"github.com/launix-de/irjit/cache"
	"github.com/launix-de/irjit/callconv"
	"github.com/launix-de/irjit/native"
)

type SettingsT struct {
	Trace     bool         `json:"trace"`
	TraceFile string       `json:"traceFile"` // empty: trace_<unix>.json in $IRJIT_TRACEDIR
	LogLevel  string       `json:"logLevel"`
	Cache     cache.Config `json:"cache"`
	MaxArgs   int          `json:"maxArgs"`
	Parallel  bool         `json:"parallel"` // compile the functions of a batch concurrently
}

var Settings SettingsT = SettingsT{
	LogLevel: "info",
	Cache:    cache.Config{Compression: "lz4"},
	MaxArgs:  native.MaxArgs,
}

var Log = log.NewWithOptions(os.Stderr, log.Options{Prefix: "irjit", ReportTimestamp: true})

var (
	sharedCache *cache.Cache
	settingsMu  sync.Mutex
	exitOnce    sync.Once
)

// LoadSettings reads a JSON settings file over the defaults. Call
// InitSettings afterwards.
func LoadSettings(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &Settings); err != nil {
		return fmt.Errorf("settings %s: %w", path, err)
	}
	return nil
}

// call this after you filled Settings
func InitSettings() error {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	if err := applyLogLevel(); err != nil {
		return err
	}
	if err := applyMaxArgs(); err != nil {
		return err
	}
	if err := SetTrace(Settings.Trace); err != nil {
		return err
	}
	if err := reopenCache(); err != nil {
		return err
	}
	exitOnce.Do(func() {
		onexit.Register(func() {
			SetTrace(false) // close trace file on exit
			settingsMu.Lock()
			sharedCache.Close()
			settingsMu.Unlock()
		})
	})
	return nil
}

func applyLogLevel() error {
	lvl, err := log.ParseLevel(Settings.LogLevel)
	if err != nil {
		return fmt.Errorf("logLevel: %w", err)
	}
	Log.SetLevel(lvl)
	return nil
}

func applyMaxArgs() error {
	if Settings.MaxArgs < 1 || Settings.MaxArgs > native.MaxArgs {
		return fmt.Errorf("maxArgs must be between 1 and %d", native.MaxArgs)
	}
	callconv.MaxArgs = Settings.MaxArgs
	return nil
}

func reopenCache() error {
	c, err := cache.Open(Settings.Cache)
	if err != nil {
		return err
	}
	sharedCache.Close()
	sharedCache = c
	return nil
}

// SharedCache is the cache configured by the settings, nil when disabled.
func SharedCache() *cache.Cache {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	return sharedCache
}

func settingsMap() map[string]any {
	return map[string]any{
		"Trace":        Settings.Trace,
		"TraceFile":    Settings.TraceFile,
		"LogLevel":     Settings.LogLevel,
		"CacheBackend": Settings.Cache.Backend,
		"CacheDir":     Settings.Cache.Dir,
		"CacheBucket":  Settings.Cache.Bucket,
		"CachePrefix":  Settings.Cache.Prefix,
		"Compression":  Settings.Cache.Compression,
		"MaxArgs":      Settings.MaxArgs,
		"Parallel":     Settings.Parallel,
	}
}

// ChangeSettings lists all settings without arguments, reads one with a
// key and sets it with key and value.
func ChangeSettings(a ...string) (any, error) {
	if len(a) == 0 {
		settingsMu.Lock()
		defer settingsMu.Unlock()
		return settingsMap(), nil
	} else if len(a) == 1 {
		settingsMu.Lock()
		defer settingsMu.Unlock()
		v, ok := settingsMap()[a[0]]
		if !ok {
			return nil, fmt.Errorf("unknown setting: %s", a[0])
		}
		return v, nil
	}

	settingsMu.Lock()
	defer settingsMu.Unlock()
	value := a[1]
	switch a[0] {
	case "Trace":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, err
		}
		Settings.Trace = b
		if err := SetTrace(b); err != nil {
			return nil, err
		}
	case "TraceFile":
		Settings.TraceFile = value
	case "LogLevel":
		old := Settings.LogLevel
		Settings.LogLevel = value
		if err := applyLogLevel(); err != nil {
			Settings.LogLevel = old
			return nil, err
		}
	case "CacheBackend", "CacheDir", "CacheBucket", "CachePrefix", "Compression":
		old := Settings.Cache
		switch a[0] {
		case "CacheBackend":
			Settings.Cache.Backend = value
		case "CacheDir":
			Settings.Cache.Dir = value
		case "CacheBucket":
			Settings.Cache.Bucket = value
		case "CachePrefix":
			Settings.Cache.Prefix = value
		case "Compression":
			Settings.Cache.Compression = value
		}
		if err := reopenCache(); err != nil {
			Settings.Cache = old
			return nil, err
		}
	case "MaxArgs":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, err
		}
		old := Settings.MaxArgs
		Settings.MaxArgs = n
		if err := applyMaxArgs(); err != nil {
			Settings.MaxArgs = old
			return nil, err
		}
	case "Parallel":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, err
		}
		Settings.Parallel = b
	default:
		return nil, fmt.Errorf("unknown setting: %s", a[0])
	}
	return true, nil
}
