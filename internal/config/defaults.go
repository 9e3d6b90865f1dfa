package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "./data/guides.db"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "./data/index"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "hashing"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Index.Backend == "" {
		cfg.Index.Backend = "memory"
	}
	if cfg.Recommend.DefaultLimit == 0 {
		cfg.Recommend.DefaultLimit = 10
	}
	if cfg.Recommend.MaxLimit == 0 {
		cfg.Recommend.MaxLimit = 100
	}
	// All three weights zero means unset; an explicit zero for one field is kept.
	if cfg.Recommend.TitleWeight == 0 && cfg.Recommend.DescriptionWeight == 0 && cfg.Recommend.TagsWeight == 0 {
		cfg.Recommend.TitleWeight = 5
		cfg.Recommend.DescriptionWeight = 3
		cfg.Recommend.TagsWeight = 2
	}
	if cfg.Recommend.TopTags == 0 {
		cfg.Recommend.TopTags = 3
	}
	if cfg.Recommend.BatchSize == 0 {
		cfg.Recommend.BatchSize = 100
	}
	if cfg.Recommend.Breaker.MaxRequests == 0 {
		cfg.Recommend.Breaker.MaxRequests = 1
	}
	if cfg.Recommend.Breaker.Interval == 0 {
		cfg.Recommend.Breaker.Interval = 60 * time.Second
	}
	if cfg.Recommend.Breaker.Timeout == 0 {
		cfg.Recommend.Breaker.Timeout = 30 * time.Second
	}
	if cfg.Recommend.Breaker.FailureThreshold == 0 {
		cfg.Recommend.Breaker.FailureThreshold = 5
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 10
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Logging.Compress == nil {
		t := true
		cfg.Logging.Compress = &t
	}
}
