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

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v3"
)

const envPrefix = "CLUSTER_CA_"

// serverConfig holds all configuration for the cluster-ca server.
// Fields are populated from (lowest → highest priority):
//
//	built-in defaults → config file → env vars → CLI flags
type serverConfig struct {
	CADir         string   `yaml:"cadir" env:"CADIR"`
	Host          string   `yaml:"host" env:"HOST"`
	Port          int      `yaml:"port" env:"PORT"`
	Cluster       string   `yaml:"cluster" env:"CLUSTER"`
	SigningLabel  string   `yaml:"signing_label" env:"SIGNING_LABEL"`
	KeyAlgorithm  string   `yaml:"key_algorithm" env:"KEY_ALGORITHM"`
	Init          bool     `yaml:"init" env:"INIT"`
	Admission     string   `yaml:"admission" env:"ADMISSION"`
	AdmissionPath string   `yaml:"admission_path" env:"ADMISSION_PATH"`
	Topology      string   `yaml:"topology" env:"TOPOLOGY"`
	Admins        []string `yaml:"admins" env:"ADMINS" envSeparator:","`
	DNSDomains    []string `yaml:"permitted_dns_domains" env:"PERMITTED_DNS_DOMAINS" envSeparator:","`
	ThresholdDays int      `yaml:"threshold_days" env:"THRESHOLD_DAYS"`
	Verbosity     int      `yaml:"verbosity" env:"VERBOSITY"`
	LogFile       string   `yaml:"logfile" env:"LOGFILE"`
	TLSCert       string   `yaml:"tls_cert" env:"TLS_CERT"`
	TLSKey        string   `yaml:"tls_key" env:"TLS_KEY"`
	NoTLSRequired bool     `yaml:"no_tls_required" env:"NO_TLS_REQUIRED"`
}

// loadServerConfig applies built-in defaults, optionally loads a YAML config
// file, then overlays environment variables. configFile may be "" to skip file
// loading.
func loadServerConfig(configFile string) (*serverConfig, error) {
	cfg := &serverConfig{
		Host:          "0.0.0.0",
		Port:          8443,
		Cluster:       "etcd",
		KeyAlgorithm:  "rsa",
		Admission:     "any",
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
