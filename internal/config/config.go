// Package config implements the call core's layered configuration surface
// (spec §6.3): defaults, then an optional config file, then environment
// variables, then explicit overrides, the same precedence order the agent
// config tree uses, here covering a nested audio/video option group
// instead of a flat agent settings list.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	averrors "github.com/alxayo/toxav-go/internal/errors"
)

// Audio holds the per-call audio defaults and Opus encoder tuning (spec
// §6.3 audio group).
type Audio struct {
	StartBitrateKbps    int `mapstructure:"start_bitrate_kbps"`
	StartSampleRateHz   int `mapstructure:"start_sample_rate_hz"`
	StartChannels       int `mapstructure:"start_channels"`
	JitterCapacityFrames int `mapstructure:"jitter_capacity_frames"`
	MaxFrameDurationMS  int `mapstructure:"max_frame_duration_ms"`
	OpusComplexity      int `mapstructure:"opus_complexity"`
	OpusPacketLossPct   int `mapstructure:"opus_packet_loss_pct"`
	OpusInbandFEC       bool `mapstructure:"opus_inband_fec"`
}

// Video holds the per-call video defaults and codec tuning (spec §6.3
// video group).
type Video struct {
	StartBitrateKbps int    `mapstructure:"start_bitrate_kbps"`
	Codec            string `mapstructure:"codec"`
	MaxKfDist        int    `mapstructure:"max_kf_dist"`
	SendLossless     bool   `mapstructure:"send_lossless"`
	InitialProfile   string `mapstructure:"initial_profile"`
	EncoderThreads   int    `mapstructure:"encoder_threads"`
	EncoderSlices    int    `mapstructure:"encoder_slices"`
	DecoderThreads   int    `mapstructure:"decoder_threads"`
}

// Config is the full, validated configuration tree for one toxavd process.
type Config struct {
	Audio Audio `mapstructure:"audio"`
	Video Video `mapstructure:"video"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	MetricsListenAddr string `mapstructure:"metrics_listen_addr"`

	IterationIntervalDefaultMS int `mapstructure:"iteration_interval_default_ms"`
}

// Default returns the configuration tree applied before any config file,
// environment variable, or flag override is layered on top.
func Default() *Config {
	return &Config{
		Audio: Audio{
			StartBitrateKbps:     64,
			StartSampleRateHz:    48000,
			StartChannels:        1,
			JitterCapacityFrames: 32,
			MaxFrameDurationMS:   60,
			OpusComplexity:       10,
			OpusPacketLossPct:    0,
			OpusInbandFEC:        true,
		},
		Video: Video{
			StartBitrateKbps: 500,
			Codec:            "H264",
			MaxKfDist:        100,
			SendLossless:     false,
			InitialProfile:   "baseline",
			EncoderThreads:   1,
			EncoderSlices:    1,
			DecoderThreads:   1,
		},
		LogLevel:                   "info",
		LogFormat:                  "text",
		MetricsListenAddr:          ":9095",
		IterationIntervalDefaultMS: 200,
	}
}

// Load builds the layered config: defaults, then cfgFile (or the default
// search path if cfgFile is empty), then TOXAVD_-prefixed environment
// variables, then validates bounds before returning.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	cfg := Default()
	bindDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("toxavd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/toxavd")
	}

	v.SetEnvPrefix("TOXAVD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindDefaults seeds viper's own default layer from cfg so environment
// variables and config-file keys the struct doesn't mention still resolve.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("audio.start_bitrate_kbps", cfg.Audio.StartBitrateKbps)
	v.SetDefault("audio.start_sample_rate_hz", cfg.Audio.StartSampleRateHz)
	v.SetDefault("audio.start_channels", cfg.Audio.StartChannels)
	v.SetDefault("audio.jitter_capacity_frames", cfg.Audio.JitterCapacityFrames)
	v.SetDefault("audio.max_frame_duration_ms", cfg.Audio.MaxFrameDurationMS)
	v.SetDefault("audio.opus_complexity", cfg.Audio.OpusComplexity)
	v.SetDefault("audio.opus_packet_loss_pct", cfg.Audio.OpusPacketLossPct)
	v.SetDefault("audio.opus_inband_fec", cfg.Audio.OpusInbandFEC)

	v.SetDefault("video.start_bitrate_kbps", cfg.Video.StartBitrateKbps)
	v.SetDefault("video.codec", cfg.Video.Codec)
	v.SetDefault("video.max_kf_dist", cfg.Video.MaxKfDist)
	v.SetDefault("video.send_lossless", cfg.Video.SendLossless)
	v.SetDefault("video.initial_profile", cfg.Video.InitialProfile)
	v.SetDefault("video.encoder_threads", cfg.Video.EncoderThreads)
	v.SetDefault("video.encoder_slices", cfg.Video.EncoderSlices)
	v.SetDefault("video.decoder_threads", cfg.Video.DecoderThreads)

	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("metrics_listen_addr", cfg.MetricsListenAddr)
	v.SetDefault("iteration_interval_default_ms", cfg.IterationIntervalDefaultMS)
}

// Validate checks every bound spec §6.3 names, returning the first
// violation wrapped as a ProtocolError (the same "validate at the
// boundary" posture the teacher's flag parser applies).
func Validate(cfg *Config) error {
	a := cfg.Audio
	if a.StartBitrateKbps != 0 && (a.StartBitrateKbps < 6 || a.StartBitrateKbps > 510) {
		return validationErr("audio.start_bitrate_kbps", fmt.Errorf("%d out of range [6,510]", a.StartBitrateKbps))
	}
	if a.OpusComplexity < 0 || a.OpusComplexity > 10 {
		return validationErr("audio.opus_complexity", fmt.Errorf("%d out of range [0,10]", a.OpusComplexity))
	}
	if a.OpusPacketLossPct < 0 || a.OpusPacketLossPct > 100 {
		return validationErr("audio.opus_packet_loss_pct", fmt.Errorf("%d out of range [0,100]", a.OpusPacketLossPct))
	}
	if a.StartChannels != 1 && a.StartChannels != 2 {
		return validationErr("audio.start_channels", fmt.Errorf("%d must be 1 or 2", a.StartChannels))
	}
	if a.JitterCapacityFrames <= 0 {
		return validationErr("audio.jitter_capacity_frames", fmt.Errorf("must be positive, got %d", a.JitterCapacityFrames))
	}

	v := cfg.Video
	if v.StartBitrateKbps < 0 {
		return validationErr("video.start_bitrate_kbps", fmt.Errorf("must be non-negative, got %d", v.StartBitrateKbps))
	}
	switch v.Codec {
	case "VP8", "VP9", "H264":
	default:
		return validationErr("video.codec", fmt.Errorf("%q must be one of VP8, VP9, H264", v.Codec))
	}
	switch v.InitialProfile {
	case "baseline", "high":
	default:
		return validationErr("video.initial_profile", fmt.Errorf("%q must be one of baseline, high", v.InitialProfile))
	}
	if v.EncoderThreads <= 0 || v.EncoderSlices <= 0 || v.DecoderThreads <= 0 {
		return validationErr("video.*_threads/slices", fmt.Errorf("thread/slice counts must be positive"))
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return validationErr("log_level", fmt.Errorf("invalid log level %q", cfg.LogLevel))
	}

	return nil
}

func validationErr(field string, cause error) error {
	return averrors.NewProtocolError("config.validate."+field, cause)
}

// WriteTemplate writes the default config, without comments, to path (in the
// format named by path's extension; an existing file is not overwritten), for operators bootstrapping a config file (mirrors the teacher's
// -version-style "print and exit" flags by being a side operation, not part
// of the normal Load path).
func WriteTemplate(path string) error {
	v := viper.New()
	bindDefaults(v, Default())
	return v.SafeWriteConfigAs(path)
}
