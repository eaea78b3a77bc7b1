// Package config resolves the sync fabric's per-deployment settings
// (spec §6) with the same priority chain the teacher's backend uses:
// command line flag -> environment variable -> default value.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/turnforge/syncfabric/synccoordinator"
)

// Config is the fully resolved set of flags for one syncserver process.
type Config struct {
	ListenAddress          string
	BrokerURL              string
	ChannelPrefix          string
	ChunkSize              int
	AcknowledgementTimeout time.Duration
	MaxPendingUpdates      int
	ConflictPolicy         synccoordinator.ConflictPolicy
	OptimisticEnabled      bool
	PingInterval           time.Duration
	PingTimeout            time.Duration
	KVSweepInterval        time.Duration
}

// getEnvOrFlag returns flagValue when it was explicitly set (non-empty),
// else the environment variable envVar, else defaultValue. Mirrors the
// teacher's getBackendConfig helper.
func getEnvOrFlag(flagValue *string, envVar, defaultValue string) string {
	if flagValue != nil && *flagValue != "" {
		return *flagValue
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultValue
}

func getEnvOrFlagInt(flagValue *int, envVar string, defaultValue int) int {
	if flagValue != nil && *flagValue != 0 {
		return *flagValue
	}
	if v := os.Getenv(envVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvOrFlagBool(flagValue *bool, set bool, envVar string, defaultValue bool) bool {
	if set {
		return *flagValue
	}
	if v := os.Getenv(envVar); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvOrFlagDuration(flagValue *string, envVar string, defaultValue time.Duration) time.Duration {
	raw := getEnvOrFlag(flagValue, envVar, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return defaultValue
}

var (
	listenAddress  = flag.String("listenAddress", "", "Address the sync fabric's websocket listener binds to. Env: SYNCFABRIC_LISTEN_ADDRESS. Default: :8080")
	brokerURL      = flag.String("brokerURL", "", "Broker connection string for a networked Bus implementation. Env: SYNCFABRIC_BROKER_URL. Default: empty (in-process LocalBus, no broker)")
	channelPrefix  = flag.String("channelPrefix", "", "Bus channel prefix. Env: SYNCFABRIC_CHANNEL_PREFIX. Default: game:")
	chunkSize      = flag.Int("chunkSize", 0, "Chunk Router grid cell size. Env: SYNCFABRIC_CHUNK_SIZE. Default: 64")
	ackTimeout     = flag.String("ackTimeout", "", "Sync Coordinator acknowledgement timeout, as a Go duration. Env: SYNCFABRIC_ACK_TIMEOUT. Default: 5s")
	maxPending     = flag.Int("maxPendingUpdates", 0, "Sync Coordinator per-game pending optimistic update cap. Env: SYNCFABRIC_MAX_PENDING_UPDATES. Default: 100")
	conflictPolicy = flag.String("conflictPolicy", "", "Conflict resolution policy: server-wins, client-wins, merge. Env: SYNCFABRIC_CONFLICT_POLICY. Default: server-wins")
	optimistic     = flag.Bool("optimisticEnabled", true, "Whether client-initiated updates apply locally before server acknowledgement. Env: SYNCFABRIC_OPTIMISTIC_ENABLED")
	pingInterval   = flag.String("pingInterval", "", "Websocket ping interval. Env: SYNCFABRIC_PING_INTERVAL. Default: 25s")
	pingTimeout    = flag.String("pingTimeout", "", "Websocket ping timeout before disconnect. Env: SYNCFABRIC_PING_TIMEOUT. Default: 60s")
	kvSweepInt     = flag.String("kvSweepInterval", "", "Bus ephemeral KV TTL sweep interval. Env: SYNCFABRIC_KV_SWEEP_INTERVAL. Default: 30s")
)

// Load parses flags, loads an optional .env file (envfile may be empty to
// skip it silently when missing, matching dev ergonomics), and returns the
// resolved Config.
func Load(envfile string) Config {
	if envfile != "" {
		if err := godotenv.Load(envfile); err != nil {
			// Not fatal: a missing .env is normal outside local dev (spec
			// §6 config has sane defaults for every setting).
		}
	}
	if !flag.Parsed() {
		flag.Parse()
	}

	optimisticSet := isFlagSet("optimisticEnabled")

	return Config{
		ListenAddress:          getEnvOrFlag(listenAddress, "SYNCFABRIC_LISTEN_ADDRESS", ":8080"),
		BrokerURL:              getEnvOrFlag(brokerURL, "SYNCFABRIC_BROKER_URL", ""),
		ChannelPrefix:          getEnvOrFlag(channelPrefix, "SYNCFABRIC_CHANNEL_PREFIX", "game:"),
		ChunkSize:              getEnvOrFlagInt(chunkSize, "SYNCFABRIC_CHUNK_SIZE", 64),
		AcknowledgementTimeout: getEnvOrFlagDuration(ackTimeout, "SYNCFABRIC_ACK_TIMEOUT", 5*time.Second),
		MaxPendingUpdates:      getEnvOrFlagInt(maxPending, "SYNCFABRIC_MAX_PENDING_UPDATES", 100),
		ConflictPolicy:         synccoordinator.ConflictPolicy(getEnvOrFlag(conflictPolicy, "SYNCFABRIC_CONFLICT_POLICY", string(synccoordinator.PolicyServerWins))),
		OptimisticEnabled:      getEnvOrFlagBool(optimistic, optimisticSet, "SYNCFABRIC_OPTIMISTIC_ENABLED", true),
		PingInterval:           getEnvOrFlagDuration(pingInterval, "SYNCFABRIC_PING_INTERVAL", 25*time.Second),
		PingTimeout:            getEnvOrFlagDuration(pingTimeout, "SYNCFABRIC_PING_TIMEOUT", 60*time.Second),
		KVSweepInterval:        getEnvOrFlagDuration(kvSweepInt, "SYNCFABRIC_KV_SWEEP_INTERVAL", 30*time.Second),
	}
}

func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
