// Command toxavd hosts the call core (session table, MSI, RTP, bandwidth
// control) behind a transport the caller injects; it owns only process
// lifecycle, configuration loading, and metrics exposition, the same split
// the teacher's cmd/rtmp-server keeps between "the server" and "the thing
// that starts/stops it".
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alxayo/toxav-go/internal/av/codec"
	"github.com/alxayo/toxav-go/internal/av/manager"
	"github.com/alxayo/toxav-go/internal/av/transport"
	"github.com/alxayo/toxav-go/internal/config"
	"github.com/alxayo/toxav-go/internal/logger"
	"github.com/alxayo/toxav-go/internal/metrics"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	var logLevel string

	root := &cobra.Command{
		Use:     "toxavd",
		Short:   "Run the call core as a standalone daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgFile, logLevel)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a toxavd.yaml config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level: debug|info|warn|error")
	root.AddCommand(newConfigInitCmd())

	return root
}

func newConfigInitCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config-init",
		Short: "Write a default toxavd.yaml template and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(out); err != nil {
				return fmt.Errorf("write config template: %w", err)
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "toxavd.yaml", "output path for the config template")
	return cmd
}

func run(cfgFile, logLevelOverride string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init()
	level := cfg.LogLevel
	if logLevelOverride != "" {
		level = logLevelOverride
	}
	if err := logger.SetLevel(level); err != nil {
		fmt.Printf("warning: invalid log level %q, using default\n", level)
	}
	log := logger.Logger().With("component", "cli")

	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)
	stopMetrics := serveMetrics(cfg.MetricsListenAddr, promReg, log)
	defer stopMetrics()

	tr := transport.NewInMemory(0)
	mgr := manager.New(tr, reg)
	tr.OnReceive(mgr.OnPacket)
	mgr.OnCallState(func(friendID uint32, state manager.CallState) {
		log.Info("call state changed", "friend_id", friendID, "state", state.String())
	})
	mgr.SetAudioCodecFactory(func(friendID uint32) manager.AudioCodec {
		backend, err := codec.NewOpusBackend(cfg.Audio.StartSampleRateHz, cfg.Audio.StartChannels)
		if err != nil {
			log.Warn("opus codec init failed, falling back to silence", "friend_id", friendID, "error", err)
			return nil
		}
		if err := backend.SetBitrate(cfg.Audio.StartBitrateKbps * 1000); err != nil {
			log.Warn("opus set bitrate failed", "friend_id", friendID, "error", err)
		}
		if err := backend.SetPacketLossPerc(cfg.Audio.OpusPacketLossPct); err != nil {
			log.Warn("opus set packet loss pct failed", "friend_id", friendID, "error", err)
		}
		if err := backend.SetInBandFEC(cfg.Audio.OpusInbandFEC); err != nil {
			log.Warn("opus set inband fec failed", "friend_id", friendID, "error", err)
		}
		return backend
	})
	mgr.SetVideoCodecFactory(func(friendID uint32, width, height, bitrateKbps int) (codec.VideoBackend, error) {
		backend, err := codec.NewH264Backend(width, height, bitrateKbps)
		if err != nil {
			log.Warn("h264 codec init failed, video encode/decode disabled for this call", "friend_id", friendID, "error", err)
			return nil, err
		}
		return backend, nil
	})
	mgr.OnAudioFrame(func(friendID uint32, pcm []int16, samples, channels, rate int) {
		log.Debug("decoded audio frame", "friend_id", friendID, "samples", samples, "channels", channels, "rate_hz", rate)
	})
	mgr.OnVideoFrame(func(friendID uint32, y, u, v []byte, width, height int, keyframe bool) {
		log.Debug("decoded video frame", "friend_id", friendID, "width", width, "height", height, "keyframe", keyframe)
	})
	log.Info("toxavd started", "version", version, "audio_start_kbps", cfg.Audio.StartBitrateKbps, "video_codec", cfg.Video.Codec)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(mgr.IterationInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mgr.Iterate()
			ticker.Reset(mgr.IterationInterval())
		case <-ctx.Done():
			log.Info("shutdown signal received")
			return nil
		}
	}
}

// serveMetrics starts the Prometheus HTTP exposition endpoint in the
// background and returns a func that shuts it down.
func serveMetrics(addr string, gatherer prometheus.Gatherer, log *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	log.Info("metrics listening", "addr", addr)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
