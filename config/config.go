// Copyright 2026 the ttrouter authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides the RunConfig struct for ttrouterd, following the
// Defaulter/Validator pattern of the teacher's private/config package:
// InitDefaults fills in unset fields, Validate recursively checks
// invariants. Unlike the teacher, config files are YAML
// (gopkg.in/yaml.v3) rather than TOML, per SPEC_FULL.md's AMBIENT STACK;
// cmd/ttrouterd parses the file with yaml.v3 and uses viper only for
// TTROUTERD_* environment overrides.
package config

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ttswitch/ttrouter/internal/serrors"
	"github.com/ttswitch/ttrouter/internal/ttlog"
)

// Duration wraps time.Duration with YAML (de)serialization to and from
// time.ParseDuration's string form ("50us", "2s"), the yaml.v3 analogue of
// the teacher's go/lib/env.Duration (a toml.TextUnmarshaler there, a
// yaml.Unmarshaler/Marshaler here).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return serrors.Wrap("parsing duration", err, "value", s)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Defaulter initializes the unset fields of a config struct.
type Defaulter interface {
	InitDefaults()
}

// Validator recursively checks that a config struct's fields hold valid
// values.
type Validator interface {
	Validate() error
}

var (
	// ErrInvalidConfig is the sentinel wrapped by every RunConfig.Validate
	// failure, following the same single-sentinel-plus-context convention
	// as internal/serrors's other error kinds.
	ErrInvalidConfig = serrors.New("invalid configuration")
)

// MetricsConfig configures the Prometheus HTTP exposition endpoint, the
// YAML analogue of the teacher's globalCfg.Metrics block.
type MetricsConfig struct {
	// Address is the host:port the HTTP server listens on, e.g. ":9090".
	Address string `yaml:"address"`
}

func (c *MetricsConfig) InitDefaults() {
	if c.Address == "" {
		c.Address = ":9090"
	}
}

func (c *MetricsConfig) Validate() error {
	if c.Address == "" {
		return serrors.WithCtx(ErrInvalidConfig, "reason", "metrics.address must not be empty")
	}
	return nil
}

// ServePrometheus exposes the default Prometheus registry on /metrics until
// ctx is canceled, mirroring the teacher's private/env.Metrics.ServePrometheus.
func (c *MetricsConfig) ServePrometheus(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
	))
	server := &http.Server{Addr: c.Address, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	ttlog.Root().Info("exporting prometheus metrics", zap.String("addr", c.Address))
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return serrors.Wrap("serving prometheus metrics", err)
	}
	return nil
}

// PortConfig is one switch port's TT tunables (spec.md §9).
type PortConfig struct {
	Port uint16 `yaml:"port"`
	// AdvanceTime is the small constant the timer handler rearms ahead of
	// an instant by (spec.md §4.4).
	AdvanceTime Duration `yaml:"advance_time"`
	// MinCap is the flow table's floor capacity (spec.md §8 S5).
	MinCap int `yaml:"min_cap"`
}

func (c *PortConfig) InitDefaults() {
	if c.AdvanceTime.Duration == 0 {
		c.AdvanceTime.Duration = 50 * time.Microsecond
	}
	if c.MinCap == 0 {
		c.MinCap = 8
	}
}

func (c *PortConfig) Validate() error {
	if c.AdvanceTime.Duration <= 0 {
		return serrors.WithCtx(ErrInvalidConfig, "reason", "advance_time must be positive",
			"port", c.Port)
	}
	if c.MinCap < 1 {
		return serrors.WithCtx(ErrInvalidConfig, "reason", "min_cap must be at least 1",
			"port", c.Port)
	}
	return nil
}

// RunConfig is ttrouterd's top-level configuration, the InitDefaults/
// Validate root, mirroring the teacher's globalCfg shape.
type RunConfig struct {
	// TTPort is the fixed TRDP UDP port TT frames are classified against
	// (spec.md §4.2 "TRDP encapsulation").
	TTPort uint16 `yaml:"tt_port"`
	// EthPTT is the EtherType marking a native TT frame.
	EthPTT uint16 `yaml:"eth_p_tt"`
	// MaxFlows bounds a control-plane BeginAdd's expected_count (spec.md
	// §4.6).
	MaxFlows int `yaml:"max_flows"`

	Metrics MetricsConfig `yaml:"metrics"`
	Ports   []PortConfig  `yaml:"ports"`
}

func (c *RunConfig) InitDefaults() {
	if c.TTPort == 0 {
		c.TTPort = 3478
	}
	if c.EthPTT == 0 {
		c.EthPTT = 0x88B6
	}
	if c.MaxFlows == 0 {
		c.MaxFlows = 255
	}
	c.Metrics.InitDefaults()
	for i := range c.Ports {
		c.Ports[i].InitDefaults()
	}
}

func (c *RunConfig) Validate() error {
	var errs serrors.List
	if c.MaxFlows < 1 {
		errs = append(errs, serrors.WithCtx(ErrInvalidConfig, "reason", "max_flows must be at least 1"))
	}
	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[uint16]bool, len(c.Ports))
	for _, p := range c.Ports {
		if seen[p.Port] {
			errs = append(errs, serrors.WithCtx(ErrInvalidConfig, "reason", "duplicate port entry", "port", p.Port))
			continue
		}
		seen[p.Port] = true
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs.ToError()
}
