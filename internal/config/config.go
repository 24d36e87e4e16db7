// Package config loads the node's identity and runtime settings. Grounded
// on cmd/engine/main.go's requireEnv/getEnvOrDefault idiom for everything
// that is an ordinary environment knob, plus spec.md §6's node identity
// file: a well-known path whose first line is the local node's domain and
// second line is its payout-address WIF private key.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/staeon/node/internal/walletcrypto"
)

// DefaultConfPath is where the node identity file lives unless overridden
// by STAEON_CONF, matching spec.md §6's "/etc/staeon-node.conf" default.
const DefaultConfPath = "/etc/staeon-node.conf"

// Identity is the local node's domain and signing key, loaded once at
// startup and never mutated.
type Identity struct {
	Domain string
	Key    *walletcrypto.Key
}

// LoadIdentity reads the node conf file (first line: domain, second line:
// payout-address WIF). The path defaults to DefaultConfPath but can be
// overridden with STAEON_CONF, following requireEnv's "no silent fallback
// for security-sensitive values" precedent — a missing or malformed
// identity file is fatal rather than defaulted.
func LoadIdentity() (*Identity, error) {
	path := getEnvOrDefault("STAEON_CONF", DefaultConfPath)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open node conf %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read node conf %s: %w", path, err)
	}
	if len(lines) < 2 {
		return nil, fmt.Errorf("config: node conf %s must have a domain line and a WIF line", path)
	}

	domain := lines[0]
	key, err := walletcrypto.LoadWIF(lines[1])
	if err != nil {
		return nil, fmt.Errorf("config: load WIF from %s: %w", path, err)
	}

	return &Identity{Domain: domain, Key: key}, nil
}

// Config is the node's runtime configuration, assembled from environment
// variables the way cmd/engine/main.go assembles bitcoin.Config and the
// Postgres DSN.
type Config struct {
	DatabaseURL    string
	ListenPort     string
	GossipWorkers  int
	RequestTimeout int // seconds

	// RankOverride mirrors the original's `perform_consensus.py --rank`:
	// run the consensus driver as if this node held an arbitrary rank,
	// for operational testing/simulation of another node's obligations.
	// nil means "use this node's own rank", the normal path.
	RankOverride *int
}

// Load reads runtime settings from the environment. DatabaseURL is
// required (no fallback, it's a credential); everything else has a safe
// default, matching requireEnv vs. getEnvOrDefault's split in the teacher.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config: required environment variable DATABASE_URL is not set")
	}

	workers, err := strconv.Atoi(getEnvOrDefault("STAEON_GOSSIP_WORKERS", "8"))
	if err != nil || workers <= 0 {
		workers = 8
	}

	timeout, err := strconv.Atoi(getEnvOrDefault("STAEON_REQUEST_TIMEOUT", "10"))
	if err != nil || timeout <= 0 {
		timeout = 10
	}

	var rankOverride *int
	if raw := os.Getenv("STAEON_RANK_OVERRIDE"); raw != "" {
		rank, err := strconv.Atoi(raw)
		if err != nil || rank < 0 {
			return nil, fmt.Errorf("config: STAEON_RANK_OVERRIDE must be a non-negative integer, got %q", raw)
		}
		rankOverride = &rank
	}

	return &Config{
		DatabaseURL:    dbURL,
		ListenPort:     getEnvOrDefault("PORT", "5339"),
		GossipWorkers:  workers,
		RequestTimeout: timeout,
		RankOverride:   rankOverride,
	}, nil
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
