// Package config reads a peer's process configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"

	"github.com/vimeo/spellingbee"
	"github.com/vimeo/spellingbee/membership"
	"github.com/vimeo/spellingbee/transport"
)

// Environment variable names.
const (
	EnvID                = "SPELLINGBEE_ID"
	EnvPort              = "SPELLINGBEE_PORT"
	EnvBroadcast         = "SPELLINGBEE_BROADCAST"
	EnvHeartbeatInterval = "SPELLINGBEE_HEARTBEAT_INTERVAL"
	EnvDiscoveryWindow   = "SPELLINGBEE_DISCOVERY_WINDOW"
	EnvRoundTimeout      = "SPELLINGBEE_ROUND_TIMEOUT"
	EnvWordsFile         = "SPELLINGBEE_WORDS_FILE"
	EnvAdminAddr         = "SPELLINGBEE_ADMIN_ADDR"
	EnvGRPCAddr          = "SPELLINGBEE_GRPC_ADDR"
	EnvGCSBucket         = "SPELLINGBEE_GCS_BUCKET"
	EnvGCSObject         = "SPELLINGBEE_GCS_OBJECT"
	EnvGCSReaders        = "SPELLINGBEE_GCS_READERS"
	EnvLogLevel          = "SPELLINGBEE_LOG_LEVEL"
)

// Config is the process configuration of one peer.
type Config struct {
	ID                string
	Port              int
	Broadcast         []string
	HeartbeatInterval time.Duration
	DiscoveryWindow   time.Duration
	RoundTimeout      time.Duration
	// WordsFile is a CSV word list; empty means the built-in words.
	WordsFile string
	// AdminAddr and GRPCAddr are listen addresses; empty disables the
	// corresponding server.
	AdminAddr string
	GRPCAddr  string
	// GCSBucket enables archiving the final scoreboard to GCSObject.
	GCSBucket string
	GCSObject string
	// GCSReaders are ACL entities granted read access to the archive.
	GCSReaders []string
	LogLevel   zapcore.Level
}

// DefaultGCSObject names the archive object when only a bucket is set.
const DefaultGCSObject = "spellingbee/final.json"

// Policy returns the failure detector policy derived from the heartbeat
// interval.
func (c Config) Policy() membership.Policy {
	return membership.PolicyFor(c.HeartbeatInterval)
}

// FromEnv builds a Config from lookup, typically os.LookupEnv. Unset or
// empty variables take their defaults.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}
	cfg := Config{
		ID:                get(EnvID),
		Port:              transport.DefaultPort,
		Broadcast:         []string{transport.LimitedBroadcast},
		HeartbeatInterval: membership.DefaultHeartbeatInterval,
		DiscoveryWindow:   spellingbee.DefaultDiscoveryWindow,
		RoundTimeout:      spellingbee.DefaultRoundTimeout,
		WordsFile:         get(EnvWordsFile),
		AdminAddr:         get(EnvAdminAddr),
		GRPCAddr:          get(EnvGRPCAddr),
		GCSBucket:         get(EnvGCSBucket),
		GCSObject:         get(EnvGCSObject),
		LogLevel:          zapcore.InfoLevel,
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.GCSBucket != "" && cfg.GCSObject == "" {
		cfg.GCSObject = DefaultGCSObject
	}
	if cfg.GCSBucket == "" && cfg.GCSObject != "" {
		return Config{}, fmt.Errorf("%s is set without %s", EnvGCSObject, EnvGCSBucket)
	}
	if v := get(EnvGCSReaders); v != "" {
		if cfg.GCSBucket == "" {
			return Config{}, fmt.Errorf("%s is set without %s", EnvGCSReaders, EnvGCSBucket)
		}
		cfg.GCSReaders = splitList(v)
	}

	if v := get(EnvPort); v != "" {
		port, parseErr := strconv.Atoi(v)
		if parseErr != nil {
			return Config{}, fmt.Errorf("failed to parse %s (%q): %w", EnvPort, v, parseErr)
		}
		if port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("%s (%d) is out of range; should be in [1, 65535]", EnvPort, port)
		}
		cfg.Port = port
	}

	if v := get(EnvBroadcast); v != "" {
		dests := splitList(v)
		if len(dests) == 0 {
			return Config{}, fmt.Errorf("%s (%q) lists no destinations", EnvBroadcast, v)
		}
		cfg.Broadcast = dests
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{name: EnvHeartbeatInterval, dst: &cfg.HeartbeatInterval},
		{name: EnvDiscoveryWindow, dst: &cfg.DiscoveryWindow},
		{name: EnvRoundTimeout, dst: &cfg.RoundTimeout},
	} {
		v := get(d.name)
		if v == "" {
			continue
		}
		dur, parseErr := time.ParseDuration(v)
		if parseErr != nil {
			return Config{}, fmt.Errorf("failed to parse %s (%q): %w", d.name, v, parseErr)
		}
		if dur <= 0 {
			return Config{}, fmt.Errorf("%s (%s) is <= 0; should be positive", d.name, dur)
		}
		*d.dst = dur
	}

	if v := get(EnvLogLevel); v != "" {
		if lvlErr := cfg.LogLevel.UnmarshalText([]byte(v)); lvlErr != nil {
			return Config{}, fmt.Errorf("failed to parse %s (%q): %w", EnvLogLevel, v, lvlErr)
		}
	}
	return cfg, nil
}

func splitList(v string) []string {
	out := []string{}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
