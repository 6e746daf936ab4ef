package common

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	DefaultPartitionCount = 271
	DefaultBackupCount    = 1
	DefaultMaxAttempts    = 5
	DefaultRetryPause     = 500 * time.Millisecond
	DefaultCallTimeout    = 30 * time.Second
	DefaultFlushInterval  = 5 * time.Second
	DefaultSerializer     = "binary"
	DefaultLogLevel       = "info"
)

// --------------------------------------------------------------------------
// Node configuration struct
// --------------------------------------------------------------------------

// NodeConfig holds all configuration parameters of a node.
type NodeConfig struct {
	// Node identity and cluster
	Endpoint string   // host:port this node listens on
	Members  []string // ordered member list (host:port), the partition table is derived from it
	Lite     bool     // lite members own no partitions (used by the CLI)

	// Partitioning
	PartitionCount int32
	BackupCount    int
	Lanes          int // 0 = NumCPU

	// Invocations
	MaxAttempts int
	RetryPause  time.Duration
	CallTimeout time.Duration // deadline of a whole call including backup acks

	// Persistence
	MapStorePath  string // empty = no write-behind
	FlushInterval time.Duration

	// Transport
	Serializer string

	// HTTP admin api, empty = disabled
	AdminEndpoint string

	// Logging configuration
	LogLevel string
}

// DefaultNodeConfig returns a configuration with all defaults applied
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		PartitionCount: DefaultPartitionCount,
		BackupCount:    DefaultBackupCount,
		MaxAttempts:    DefaultMaxAttempts,
		RetryPause:     DefaultRetryPause,
		CallTimeout:    DefaultCallTimeout,
		FlushInterval:  DefaultFlushInterval,
		Serializer:     DefaultSerializer,
		LogLevel:       DefaultLogLevel,
	}
}

// Validate checks the configuration for errors
func (c *NodeConfig) Validate() error {
	var errs []error
	if _, err := cluster.ParseAddress(c.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("endpoint: %w", err))
	}
	if _, err := c.MemberAddresses(); err != nil {
		errs = append(errs, err)
	}
	if c.PartitionCount <= 0 {
		errs = append(errs, fmt.Errorf("partition count must be positive, got %d", c.PartitionCount))
	}
	if c.BackupCount < 0 {
		errs = append(errs, fmt.Errorf("backup count must not be negative, got %d", c.BackupCount))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.RetryPause < 0 {
		errs = append(errs, fmt.Errorf("retry pause must not be negative, got %s", c.RetryPause))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Self returns the parsed endpoint
func (c *NodeConfig) Self() (cluster.Address, error) {
	return cluster.ParseAddress(c.Endpoint)
}

// MemberAddresses parses the member list. The own endpoint is added if it is missing
// and the node is not a lite member.
func (c *NodeConfig) MemberAddresses() ([]cluster.Address, error) {
	members := make([]cluster.Address, 0, len(c.Members)+1)
	seen := make(map[cluster.Address]bool, len(c.Members))
	for _, m := range c.Members {
		a, err := cluster.ParseAddress(strings.TrimSpace(m))
		if err != nil {
			return nil, fmt.Errorf("member list: %w", err)
		}
		if seen[a] {
			continue
		}
		seen[a] = true
		members = append(members, a)
	}
	if !c.Lite {
		if self, err := c.Self(); err == nil && !seen[self] {
			members = append(members, self)
		}
	}
	return members, nil
}

// EffectiveLanes returns the number of execution lanes
func (c *NodeConfig) EffectiveLanes() int {
	if c.Lanes <= 0 {
		return runtime.NumCPU()
	}
	return c.Lanes
}

// String returns a formatted string representation of the configuration
func (c *NodeConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node")
	addField("Endpoint", c.Endpoint)
	addField("Lite Member", fmt.Sprintf("%t", c.Lite))
	addField("Serializer", c.Serializer)

	addSection("Cluster")
	for i, m := range c.Members {
		addField(fmt.Sprintf("Member %d", i), m)
	}
	addField("Partitions", fmt.Sprintf("%d", c.PartitionCount))
	addField("Backups", fmt.Sprintf("%d", c.BackupCount))
	addField("Execution Lanes", fmt.Sprintf("%d", c.EffectiveLanes()))

	addSection("Invocations")
	addField("Max Attempts", fmt.Sprintf("%d", c.MaxAttempts))
	addField("Retry Pause", c.RetryPause.String())
	addField("Call Timeout", c.CallTimeout.String())

	addSection("Persistence")
	if c.MapStorePath == "" {
		addField("Map Store", "disabled")
	} else {
		addField("Map Store", c.MapStorePath)
		addField("Flush Interval", c.FlushInterval.String())
	}

	addSection("Admin API")
	if c.AdminEndpoint == "" {
		addField("Endpoint", "disabled")
	} else {
		addField("Endpoint", c.AdminEndpoint)
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
