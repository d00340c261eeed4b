package config

import "time"

// Config is the root configuration for a kvlite node.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Server      ServerConfig      `yaml:"server"`
	HTTP        HTTPConfig        `yaml:"http-server"`
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig covers the RESP TCP listener.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	MaxClients int    `yaml:"max_clients"`
}

// HTTPConfig covers the admin/metrics HTTP listener.
type HTTPConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// StorageConfig covers the in-memory engine and its durability pipeline.
type StorageConfig struct {
	DataDir          string        `yaml:"data_dir"`
	Shards           int           `yaml:"shards"`
	MaxMemoryMB      int64         `yaml:"max_memory_mb"`
	EvictionPolicy   string        `yaml:"eviction_policy"` // "lru" or "none"
	EvictionScope    string        `yaml:"eviction_scope"`  // "shard" or "global"
	TTLSweepInterval time.Duration `yaml:"ttl_sweep_interval"`
	FsyncPolicy      string        `yaml:"fsync_policy"` // "always", "everysec", "no"
	FsyncInterval    time.Duration `yaml:"fsync_interval"`
	FlushBatchSize   int           `yaml:"flush_batch_size"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// ReplicationConfig selects the node role and its peers/limits.
type ReplicationConfig struct {
	Role          string `yaml:"role"` // "master" or "replica"
	MasterHost    string `yaml:"master_host"`
	MasterPort    int    `yaml:"master_port"`
	BacklogSizeMB int64  `yaml:"backlog_size_mb"`
	SessionQueue  int    `yaml:"session_queue"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       6379,
			MaxClients: 1000,
		},
		HTTP: HTTPConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:          "./data",
			Shards:           16,
			MaxMemoryMB:      100,
			EvictionPolicy:   "lru",
			EvictionScope:    "shard",
			TTLSweepInterval: 100 * time.Millisecond,
			FsyncPolicy:      "everysec",
			FsyncInterval:    time.Second,
			FlushBatchSize:   1000,
			SnapshotInterval: 30 * time.Second,
		},
		Replication: ReplicationConfig{
			Role:          "master",
			BacklogSizeMB: 16,
			SessionQueue:  1024,
		},
	}
}
