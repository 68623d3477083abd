// Package config holds the file-driven tuning shared by the pipeline
// services. Connection endpoints and credentials come from the environment
// in each service's main; this file covers the knobs operators actually
// iterate on.
package config

import "github.com/ahrav/leakwatch/internal/detector"

// Config represents the top-level configuration.
type Config struct {
	Detector detector.Config `yaml:"detector" mapstructure:"detector"`
	Scanning ScanningConfig  `yaml:"scanning" mapstructure:"scanning"`
}

// ScanningConfig tunes content fetching for the scanning workers.
type ScanningConfig struct {
	// MaxFileSizeBytes caps how large a changed file is downloaded for
	// scanning. Larger files are recorded as skipped.
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes" mapstructure:"max_file_size_bytes"`
}
