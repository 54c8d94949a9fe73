// Package codec provides the polymorphic "video/audio backend" abstraction
// called for in spec §9 design note 4 (replacing the source's compiled-in
// #ifdef codec selection): a small interface per media type, selected at
// runtime from configuration, with concrete backends wrapping real codec
// libraries rather than reimplementing Opus/H.264 here.
package codec

import (
	"fmt"

	opus "gopkg.in/hraban/opus.v2"

	averrors "github.com/alxayo/toxav-go/internal/errors"
)

// AudioBackend matches internal/av/manager.AudioCodec and
// internal/av/audio.Decoder; kept as its own type here so codec backends
// aren't forced to import either of those packages.
type AudioBackend interface {
	Reconfigure(sampleRateHz, channels int) error
	Decode(payload []byte, pcmOut []int16) (samples int, err error)
	DecodePLC(frameSize int, pcmOut []int16) (samples int, err error)
	Encode(pcm []int16, out []byte) (n int, err error)
}

// VideoBackend is the encode/decode engine contract for VP8/VP9/H.264,
// selected at runtime via configuration rather than build tags.
type VideoBackend interface {
	EncodeFrame(y, u, v []byte, width, height int, forceKeyframe bool) ([]byte, error)
	DecodeFrame(payload []byte) (y, u, v []byte, width, height int, err error)
	Reconfigure(bitrateKbps, width, height int, forceKeyframe bool) error
	Destroy()
}

// OpusBackend implements AudioBackend over gopkg.in/hraban/opus.v2, the
// pack's only Opus library with a working encoder (pion/opus, used
// elsewhere in the ecosystem for RTP depacketization, is decode-only and
// can't serve C8's "invoke encoder collaborator" egress step).
type OpusBackend struct {
	encoder *opus.Encoder
	decoder *opus.Decoder

	rate     int
	channels int
}

// NewOpusBackend constructs an encoder+decoder pair for the given initial
// (rate, channels) pair.
func NewOpusBackend(sampleRateHz, channels int) (*OpusBackend, error) {
	enc, err := opus.NewEncoder(sampleRateHz, channels, opus.AppVoIP)
	if err != nil {
		return nil, averrors.NewCodecError("opus.newEncoder", err)
	}
	dec, err := opus.NewDecoder(sampleRateHz, channels)
	if err != nil {
		return nil, averrors.NewCodecError("opus.newDecoder", err)
	}
	return &OpusBackend{encoder: enc, decoder: dec, rate: sampleRateHz, channels: channels}, nil
}

// Reconfigure rebuilds both the encoder and decoder for a new (rate,
// channels) pair; hraban/opus has no in-place resample, so reconfiguration
// here means replacing the underlying codec state.
func (b *OpusBackend) Reconfigure(sampleRateHz, channels int) error {
	if sampleRateHz <= 0 || (channels != 1 && channels != 2) {
		return averrors.NewCodecError("opus.reconfigure", fmt.Errorf("invalid rate=%d channels=%d", sampleRateHz, channels))
	}
	enc, err := opus.NewEncoder(sampleRateHz, channels, opus.AppVoIP)
	if err != nil {
		return averrors.NewCodecError("opus.reconfigure", err)
	}
	dec, err := opus.NewDecoder(sampleRateHz, channels)
	if err != nil {
		return averrors.NewCodecError("opus.reconfigure", err)
	}
	b.encoder, b.decoder = enc, dec
	b.rate, b.channels = sampleRateHz, channels
	return nil
}

// Decode decodes one Opus packet into pcmOut, returning samples per channel.
func (b *OpusBackend) Decode(payload []byte, pcmOut []int16) (int, error) {
	n, err := b.decoder.Decode(payload, pcmOut)
	if err != nil {
		return 0, averrors.NewCodecError("opus.decode", err)
	}
	return n, nil
}

// DecodePLC invokes the decoder's loss-concealment path with no input
// packet, synthesizing frameSize samples per channel (spec §4.3).
func (b *OpusBackend) DecodePLC(frameSize int, pcmOut []int16) (int, error) {
	n, err := b.decoder.Decode(nil, pcmOut[:frameSize*b.channels])
	if err != nil {
		return 0, averrors.NewCodecError("opus.plc", err)
	}
	return n, nil
}

// Encode compresses one PCM frame into out, returning the number of bytes
// written (spec §2's egress "C8 invokes encoder collaborator" step).
func (b *OpusBackend) Encode(pcm []int16, out []byte) (int, error) {
	n, err := b.encoder.Encode(pcm, out)
	if err != nil {
		return 0, averrors.NewCodecError("opus.encode", err)
	}
	return n, nil
}

// SetBitrate applies the configured Opus encoder target bitrate (spec §6.3
// audio.start_bitrate_kbps and the bitrate regulator's audio-side updates).
func (b *OpusBackend) SetBitrate(bitrateBps int) error {
	if err := b.encoder.SetBitrate(bitrateBps); err != nil {
		return averrors.NewCodecError("opus.setBitrate", err)
	}
	return nil
}

// SetPacketLossPerc and SetInBandFEC wire spec §6.3's
// audio.opus_packet_loss_pct / audio.opus_inband_fec tuning knobs straight
// through to the encoder.
func (b *OpusBackend) SetPacketLossPerc(pct int) error {
	if err := b.encoder.SetPacketLossPerc(pct); err != nil {
		return averrors.NewCodecError("opus.setPacketLossPerc", err)
	}
	return nil
}

func (b *OpusBackend) SetInBandFEC(enabled bool) error {
	if err := b.encoder.SetInBandFEC(enabled); err != nil {
		return averrors.NewCodecError("opus.setInBandFEC", err)
	}
	return nil
}
