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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gopacket/gopacket/layers"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ttswitch/ttrouter/clock"
	"github.com/ttswitch/ttrouter/config"
	"github.com/ttswitch/ttrouter/dataplane"
	"github.com/ttswitch/ttrouter/internal/serrors"
	"github.com/ttswitch/ttrouter/internal/ttlog"
	"github.com/ttswitch/ttrouter/schedule"
	"github.com/ttswitch/ttrouter/ttmetrics"
)

func newRunCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the TT scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return realMain(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "path to the YAML configuration file")
	return cmd
}

// loadConfig reads cfgFile's YAML body (config.RunConfig's own yaml.v3
// tags), then binds the TTROUTERD_* environment variables through viper to
// override the three top-level scalars an operator is most likely to
// override per-deployment without editing the file, the same
// file-plus-environment-override split the teacher's launcher applies to
// its TOML config. Finishes with InitDefaults/Validate
// (config.Defaulter/config.Validator).
func loadConfig(cfgFile string) (*config.RunConfig, error) {
	var cfg config.RunConfig
	if cfgFile != "" {
		data, err := os.ReadFile(cfgFile)
		if err != nil {
			return nil, serrors.Wrap("reading config file", err, "path", cfgFile)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, serrors.Wrap("parsing config file", err, "path", cfgFile)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("TTROUTERD")
	v.AutomaticEnv()
	if v.IsSet("tt_port") {
		cfg.TTPort = uint16(v.GetUint32("tt_port"))
	}
	if v.IsSet("eth_p_tt") {
		cfg.EthPTT = uint16(v.GetUint32("eth_p_tt"))
	}
	if v.IsSet("metrics_address") {
		cfg.Metrics.Address = v.GetString("metrics_address")
	}

	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, serrors.Wrap("validating config", err)
	}
	return &cfg, nil
}

// realMain wires the schedule Registry, the Dataplane header codec, and the
// Prometheus endpoint together and runs them under a single errgroup,
// mirroring router/cmd/router/main.go's g, errCtx := errgroup.WithContext(ctx)
// shape.
func realMain(ctx context.Context, cfg *config.RunConfig) error {
	log := ttlog.Root()
	ctx = ttlog.CtxWith(ctx, log)
	g, errCtx := errgroup.WithContext(ctx)
	mx := ttmetrics.NewMetrics()
	clk := clock.System{}

	dpCfg := dataplane.Config{
		TTPort: layers.UDPPort(cfg.TTPort),
		EthPTT: layers.EthernetType(cfg.EthPTT),
	}

	// send is the dataplane's egress collaborator: handing an encapsulated
	// frame to the physical link. No concrete NIC/AF_PACKET binding is in
	// scope here (spec.md's Non-goals exclude the underlay transport); a
	// real deployment supplies this the way the teacher's
	// underlayproviders package supplies a link for router.DataPlane.
	send := func(port uint16, frame []byte) {
		log.Debug("dropping outbound frame: no link provider configured",
			zap.Uint16("port", port), zap.Int("frame_len", len(frame)))
	}

	// dp is constructed after registry (EmitFunc.Dataplane.ClassifyIngress
	// needs registry to stage/track arrivals), so emit forwards to it
	// through a closure rather than registry's EmitFunc field needing to
	// exist before registry itself does.
	var dp *dataplane.Dataplane
	emit := func(port, flowID uint16, frame []byte) {
		dp.EmitFunc(send)(port, flowID, frame)
	}
	registry := schedule.NewRegistry(8, clk, emit, mx)
	dp = dataplane.New(dpCfg, registry, clk)

	for _, pc := range cfg.Ports {
		registry.AllocWithCap(pc.Port, pc.MinCap)
		if err := registry.Start(pc.Port, pc.AdvanceTime.Duration); err != nil {
			log.Warn("port has no send table yet; schedule not armed",
				zap.Uint16("port", pc.Port), zap.Error(err))
		}
	}

	g.Go(func() error {
		<-errCtx.Done()
		ttlog.FromCtx(errCtx).Info("shutting down: finishing every port's schedule state")
		for _, pc := range cfg.Ports {
			registry.Finish(pc.Port)
		}
		return nil
	})
	g.Go(func() error {
		return cfg.Metrics.ServePrometheus(errCtx)
	})

	return g.Wait()
}
