// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v3"
)

const envPrefix = "CLUSTER_CA_CTL_"

// ctlConfig holds all configuration for cluster-ca-ctl.
// Fields are populated from (lowest → highest priority):
//
//	built-in defaults → config file → env vars → CLI flags
type ctlConfig struct {
	CADir         string        `yaml:"cadir" env:"CADIR"`
	Cluster       string        `yaml:"cluster" env:"CLUSTER"`
	SigningLabel  string        `yaml:"signing_label" env:"SIGNING_LABEL"`
	KeyAlgorithm  string        `yaml:"key_algorithm" env:"KEY_ALGORITHM"`
	Endpoint      string        `yaml:"endpoint" env:"ENDPOINT"`
	LocalKey      bool          `yaml:"local_key" env:"LOCAL_KEY"`
	CACert        string        `yaml:"ca_cert" env:"CA_CERT"`
	ClientCert    string        `yaml:"client_cert" env:"CLIENT_CERT"`
	ClientKey     string        `yaml:"client_key" env:"CLIENT_KEY"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Retries       int           `yaml:"retries" env:"RETRIES"`
	ThresholdDays int           `yaml:"threshold_days" env:"THRESHOLD_DAYS"`
	Topology      string        `yaml:"topology" env:"TOPOLOGY"`
	Ledger        string        `yaml:"ledger" env:"LEDGER"`
	SSHUser       string        `yaml:"ssh_user" env:"SSH_USER"`
	SSHKey        string        `yaml:"ssh_key" env:"SSH_KEY"`
	SSHKnownHosts string        `yaml:"ssh_known_hosts" env:"SSH_KNOWN_HOSTS"`
	Verbose       bool          `yaml:"verbose" env:"VERBOSE"`
}

// loadCtlConfig applies built-in defaults, optionally loads a YAML config
// file, then overlays environment variables. configFile may be "" to skip file
// loading.
func loadCtlConfig(configFile string) (*ctlConfig, error) {
	cfg := &ctlConfig{
		Cluster:       "etcd",
		KeyAlgorithm:  "rsa",
		LocalKey:      true,
		Timeout:       30 * time.Second,
		Retries:       3,
		ThresholdDays: 30,
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("reading %s* environment: %w", envPrefix, err)
	}
	return cfg, nil
}

// ledgerPath is the configured ledger, or ledger.db inside the store.
func (c *ctlConfig) ledgerPath() string {
	if c.Ledger != "" || c.CADir == "" {
		return c.Ledger
	}
	return filepath.Join(c.CADir, "ledger.db")
}

// resolveConfigFile returns the config file path to use:
// cliFlag → envVar → defaultPath (if it exists) → "".
func resolveConfigFile(cliFlag, envVar, defaultPath string) string {
	if cliFlag != "" {
		return cliFlag
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}
	return ""
}
