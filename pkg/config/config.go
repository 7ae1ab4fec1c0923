// Package config loads the daemon's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/amirimatin/go-ipset/pkg/ipset"
)

type TLS struct {
	Enable     bool   `yaml:"enable"`
	CA         string `yaml:"ca"`
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	ServerName string `yaml:"server_name"`
	SkipVerify bool   `yaml:"skip_verify"`
}

type Mgmt struct {
	Addr  string `yaml:"addr"`
	Proto string `yaml:"proto"`
	TLS   TLS    `yaml:"tls"`
}

type Members struct {
	// Path is a file or glob of member files read once at startup.
	Path string `yaml:"path"`
	Env  string `yaml:"env"`
}

type Log struct {
	JSON  bool `yaml:"json"`
	Debug bool `yaml:"debug"`
}

type Config struct {
	Cores       []int   `yaml:"cores"`
	Master      int     `yaml:"master"`
	Disabled    []int   `yaml:"disabled,omitempty"`
	Buckets     int     `yaml:"buckets"`
	MaxEntries  int     `yaml:"max_entries"`
	QueueDepth  int     `yaml:"queue_depth"`
	DrainBudget int     `yaml:"drain_budget"`
	Members     Members `yaml:"members"`
	Mgmt        Mgmt    `yaml:"mgmt"`
	Tracing     bool    `yaml:"tracing"`
	Log         Log     `yaml:"log"`
}

// Defaults returns a single-core configuration serving HTTP on :17946.
func Defaults() Config {
	return Config{
		Cores:       []int{0},
		Buckets:     ipset.DefaultBuckets,
		QueueDepth:  1024,
		DrainBudget: 32,
		Members:     Members{Path: "/etc/ipset/members.conf", Env: "IPSET_MEMBERS_FILE"},
		Mgmt:        Mgmt{Addr: ":17946", Proto: "http"},
	}
}

// Load reads path over Defaults. Unknown keys are rejected. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) { return yaml.Marshal(cfg) }

func (c Config) Validate() error {
	if len(c.Cores) == 0 {
		return errors.New("config: at least one core required")
	}
	if err := (ipset.ReplicaOptions{Buckets: c.Buckets, MaxEntries: c.MaxEntries}).Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.QueueDepth < 0 || c.DrainBudget < 0 {
		return errors.New("config: queue_depth and drain_budget must not be negative")
	}
	switch c.Mgmt.Proto {
	case "", "http", "grpc":
	default:
		return fmt.Errorf("config: unknown mgmt proto %q", c.Mgmt.Proto)
	}
	if c.Mgmt.TLS.Enable && (c.Mgmt.TLS.Cert == "" || c.Mgmt.TLS.Key == "") {
		return errors.New("config: tls enabled without cert and key")
	}
	return nil
}
