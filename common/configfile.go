package common

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ConfigFile is the on-disk form of a ClusterConfig. Timeouts are in
// milliseconds.
type ConfigFile struct {
	Cluster          []Server `yaml:"cluster"`
	HeartbeatTimeout int      `yaml:"heartbeatTimeout"`
	ElectionTimeout  int      `yaml:"electionTimeout"`
	ClientTimeout    int      `yaml:"clientTimeout,omitempty"`
	MaxAppendEntries int      `yaml:"maxAppendEntries,omitempty"`
	LeaderNoop       bool     `yaml:"leaderNoop,omitempty"`
}

func (f ConfigFile) ClusterConfig() ClusterConfig {
	return ClusterConfig{
		Cluster:          f.Cluster,
		HeartBeatTimeout: time.Millisecond * time.Duration(f.HeartbeatTimeout),
		ElectionTimeout:  time.Millisecond * time.Duration(f.ElectionTimeout),
		ClientTimeout:    time.Millisecond * time.Duration(f.ClientTimeout),
		MaxAppendEntries: f.MaxAppendEntries,
		LeaderNoop:       f.LeaderNoop,
	}
}

// NewConfigFile builds a config file for servers numbered 1..len(addrs).
func NewConfigFile(addrs []ServerAddress, heartbeatTimeout, electionTimeout int) ConfigFile {
	f := ConfigFile{
		HeartbeatTimeout: heartbeatTimeout,
		ElectionTimeout:  electionTimeout,
	}
	for i, addr := range addrs {
		f.Cluster = append(f.Cluster, Server{ID: ServerID(i + 1), NetAddress: addr})
	}
	return f
}

// LoadClusterConfig reads and validates a YAML cluster file.
func LoadClusterConfig(path string) (ClusterConfig, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return ClusterConfig{}, err
	}
	var f ConfigFile
	if err := yaml.UnmarshalStrict(bytes, &f); err != nil {
		return ClusterConfig{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	config := f.ClusterConfig()
	if err := config.Validate(); err != nil {
		return ClusterConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

func WriteConfigFile(path string, f ConfigFile) error {
	bytes, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, bytes, 0644)
}
