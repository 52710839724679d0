package quorum

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xraph/quorum/id"
)

// Config holds configuration for a broker replica.
type Config struct {
	// NodeID names this replica inside the cluster. It must appear in Peers.
	NodeID string `yaml:"node_id"`

	// Peers maps every replica id (including this one) to the address of
	// its peer transport endpoint.
	Peers map[string]string `yaml:"peers"`

	// ListenAddr is where workers and clients connect.
	ListenAddr string `yaml:"listen_addr"`

	// ClientAddrs maps replica ids to their wire addresses. NotLeader
	// replies carry the leader's entry so clients can redirect; without one
	// they only learn the leader id.
	ClientAddrs map[string]string `yaml:"client_addrs"`

	// PeerAddr is where other replicas connect for replication.
	PeerAddr string `yaml:"peer_addr"`

	// MetricsAddr serves /metrics and /cluster. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// DataDir holds the write-ahead log, hard state and snapshots.
	DataDir string `yaml:"data_dir"`

	// SyncWrites fsyncs every log append. Disabling it trades crash safety
	// for throughput and should only be used in tests.
	SyncWrites bool `yaml:"sync_writes"`

	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`

	// SnapshotThreshold is the number of applied entries between snapshots.
	SnapshotThreshold uint64 `yaml:"snapshot_threshold"`

	// LeaseTTL is how long a claimed task stays leased without a heartbeat.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// WorkerAbsenceTimeout removes worker records not seen for this long.
	WorkerAbsenceTimeout time.Duration `yaml:"worker_absence_timeout"`

	// ProposalTimeout bounds how long a write waits for commit.
	ProposalTimeout time.Duration `yaml:"proposal_timeout"`

	// MaintenanceInterval is how often the leader scans for expired
	// leases, due retries and absent workers.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	// RetryBackoff names the retry delay strategy: constant, linear,
	// exponential or jitter.
	RetryBackoff   string        `yaml:"retry_backoff"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	// Retention is how long terminal tasks stay in the store before
	// compaction removes them.
	Retention time.Duration `yaml:"retention"`

	// CompactionSchedule is a cron expression for retention compaction.
	CompactionSchedule string `yaml:"compaction_schedule"`

	// ArchivePath is a sqlite file receiving compacted tasks. Empty disables
	// archiving.
	ArchivePath string `yaml:"archive_path"`

	// SnapshotRedisAddr exports snapshots to Redis when set.
	SnapshotRedisAddr string `yaml:"snapshot_redis_addr"`

	// StaleReads allows queries while this replica's storage has failed.
	StaleReads bool `yaml:"stale_reads"`

	// RequestRate limits requests per second on each wire connection.
	// Zero disables the limit.
	RequestRate  float64 `yaml:"request_rate"`
	RequestBurst int     `yaml:"request_burst"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns a Config for a single-node cluster.
func DefaultConfig() Config {
	return Config{
		NodeID:               "node1",
		Peers:                map[string]string{"node1": "127.0.0.1:7000"},
		ListenAddr:           ":6379",
		PeerAddr:             ":7000",
		MetricsAddr:          ":9091",
		DataDir:              "./data",
		SyncWrites:           true,
		ElectionTimeoutMin:   150 * time.Millisecond,
		ElectionTimeoutMax:   300 * time.Millisecond,
		HeartbeatInterval:    50 * time.Millisecond,
		SnapshotThreshold:    1024,
		LeaseTTL:             30 * time.Second,
		WorkerAbsenceTimeout: 2 * time.Minute,
		ProposalTimeout:      5 * time.Second,
		MaintenanceInterval:  time.Second,
		RetryBackoff:         "exponential",
		RetryBaseDelay:       5 * time.Second,
		RetryMaxDelay:        time.Hour,
		Retention:            7 * 24 * time.Hour,
		CompactionSchedule:   "@every 1h",
		RequestRate:          1000,
		RequestBurst:         100,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig, loads a .env file
// if one exists and applies QUORUM_* environment overrides. A missing
// file is not an error.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if err := readYAML(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readYAML decodes the file at path into v. An empty path or a missing
// file leaves v untouched.
func readYAML(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from QUORUM_* variables. QUORUM_PEERS and
// QUORUM_CLIENT_ADDRS take a comma separated list of id=addr pairs.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("QUORUM_NODE_ID", &c.NodeID)
	str("QUORUM_LISTEN_ADDR", &c.ListenAddr)
	str("QUORUM_PEER_ADDR", &c.PeerAddr)
	str("QUORUM_METRICS_ADDR", &c.MetricsAddr)
	str("QUORUM_DATA_DIR", &c.DataDir)
	str("QUORUM_ARCHIVE_PATH", &c.ArchivePath)
	str("QUORUM_SNAPSHOT_REDIS_ADDR", &c.SnapshotRedisAddr)
	str("QUORUM_LOG_LEVEL", &c.LogLevel)
	str("QUORUM_LOG_FORMAT", &c.LogFormat)
	str("QUORUM_RETRY_BACKOFF", &c.RetryBackoff)
	str("QUORUM_COMPACTION_SCHEDULE", &c.CompactionSchedule)

	if v, ok := lookup("QUORUM_PEERS"); ok {
		peers, err := parsePairs("QUORUM_PEERS", v)
		if err != nil {
			return err
		}
		c.Peers = peers
	}
	if v, ok := lookup("QUORUM_CLIENT_ADDRS"); ok {
		addrs, err := parsePairs("QUORUM_CLIENT_ADDRS", v)
		if err != nil {
			return err
		}
		c.ClientAddrs = addrs
	}

	durations := map[string]*time.Duration{
		"QUORUM_LEASE_TTL":        &c.LeaseTTL,
		"QUORUM_PROPOSAL_TIMEOUT": &c.ProposalTimeout,
		"QUORUM_RETENTION":        &c.Retention,
		"QUORUM_RETRY_BASE_DELAY": &c.RetryBaseDelay,
		"QUORUM_RETRY_MAX_DELAY":  &c.RetryMaxDelay,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("QUORUM_SYNC_WRITES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("QUORUM_SYNC_WRITES: %w", err)
		}
		c.SyncWrites = b
	}
	return nil
}

// parsePairs reads a comma separated list of id=addr pairs.
func parsePairs(key, s string) (map[string]string, error) {
	pairs := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("%s: malformed entry %q", key, pair)
		}
		pairs[k] = v
	}
	return pairs, nil
}

// Validate checks that the configuration describes a usable replica.
func (c Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if _, ok := c.Peers[c.NodeID]; !ok {
		errs = append(errs, fmt.Errorf("peers must contain node_id %q", c.NodeID))
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		errs = append(errs, errors.New("election timeouts must satisfy 0 < min <= max"))
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin {
		errs = append(errs, errors.New("heartbeat_interval must be positive and below election_timeout_min"))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, errors.New("lease_ttl must be positive"))
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

// WorkerConfig holds configuration for a worker process.
type WorkerConfig struct {
	// BrokerAddr is the wire address of any broker replica. Writes that
	// reach a follower are redirected to the leader.
	BrokerAddr string `yaml:"broker_addr"`

	// WorkerID gives the process stable worker ids across restarts. Empty
	// lets the broker assign fresh ones.
	WorkerID string `yaml:"worker_id"`

	// Address is advertised in the worker record.
	Address string `yaml:"address"`

	// Concurrency is the number of tasks run at once.
	Concurrency int `yaml:"concurrency"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`

	// ShutdownTimeout bounds how long running tasks may finish after a
	// stop signal before they are cancelled and reported as failed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// SleepDuration is how long the built-in sleep handler waits.
	SleepDuration time.Duration `yaml:"sleep_duration"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultWorkerConfig returns a WorkerConfig for a broker on localhost.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BrokerAddr:        "127.0.0.1:6379",
		Concurrency:       4,
		PollInterval:      time.Second,
		HeartbeatInterval: 5 * time.Second,
		RequestTimeout:    10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		SleepDuration:     time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// LoadWorkerConfig reads a YAML file on top of DefaultWorkerConfig, loads
// a .env file if one exists and applies QUORUM_WORKER_* environment
// overrides. A missing file is not an error.
func LoadWorkerConfig(path string) (WorkerConfig, error) {
	_ = godotenv.Load()

	cfg := DefaultWorkerConfig()
	if err := readYAML(path, &cfg); err != nil {
		return WorkerConfig{}, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return WorkerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

func (c *WorkerConfig) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("QUORUM_WORKER_BROKER_ADDR", &c.BrokerAddr)
	str("QUORUM_WORKER_ID", &c.WorkerID)
	str("QUORUM_WORKER_ADDRESS", &c.Address)
	str("QUORUM_LOG_LEVEL", &c.LogLevel)
	str("QUORUM_LOG_FORMAT", &c.LogFormat)

	if v, ok := lookup("QUORUM_WORKER_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QUORUM_WORKER_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	durations := map[string]*time.Duration{
		"QUORUM_WORKER_POLL_INTERVAL":      &c.PollInterval,
		"QUORUM_WORKER_HEARTBEAT_INTERVAL": &c.HeartbeatInterval,
		"QUORUM_WORKER_SHUTDOWN_TIMEOUT":   &c.ShutdownTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks that the configuration describes a usable worker.
func (c WorkerConfig) Validate() error {
	var errs []error
	if c.BrokerAddr == "" {
		errs = append(errs, errors.New("broker_addr is required"))
	}
	if c.WorkerID != "" {
		// Slot suffixes ("-12") must still fit.
		if err := id.Validate(c.WorkerID + "-0000"); err != nil {
			errs = append(errs, fmt.Errorf("worker_id: %w", err))
		}
	}
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	if c.PollInterval <= 0 || c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("poll_interval and heartbeat_interval must be positive"))
	}
	if c.RequestTimeout <= 0 || c.ShutdownTimeout < 0 || c.SleepDuration < 0 {
		errs = append(errs, errors.New("request_timeout must be positive and other timeouts not negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}
