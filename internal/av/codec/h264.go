package codec

import (
	"fmt"

	openh264 "github.com/y9o/go-openh264"

	averrors "github.com/alxayo/toxav-go/internal/errors"
)

// H264Backend implements VideoBackend over openh264, used when a friend's
// capability negotiation selects H.264 over the default VP8/VP9 path
// (wire.FlagEncoderIsH264).
type H264Backend struct {
	enc *openh264.Encoder
	dec *openh264.Decoder

	width, height int
	bitrateKbps   int
}

// NewH264Backend constructs an encoder+decoder pair at the given initial
// geometry and bitrate.
func NewH264Backend(width, height, bitrateKbps int) (*H264Backend, error) {
	enc, err := openh264.NewEncoder(openh264.EncoderConfig{
		Width:     width,
		Height:    height,
		BitrateKbps: bitrateKbps,
	})
	if err != nil {
		return nil, averrors.NewCodecError("h264.newEncoder", err)
	}
	dec, err := openh264.NewDecoder()
	if err != nil {
		enc.Close()
		return nil, averrors.NewCodecError("h264.newDecoder", err)
	}
	return &H264Backend{enc: enc, dec: dec, width: width, height: height, bitrateKbps: bitrateKbps}, nil
}

// EncodeFrame encodes one I420 frame, optionally forcing a keyframe (used
// both by the manager's user-requested keyframe and by the sidechannel's
// keyframe-request handling, SPEC_FULL.md §3 item 4).
func (b *H264Backend) EncodeFrame(y, u, v []byte, width, height int, forceKeyframe bool) ([]byte, error) {
	if forceKeyframe {
		b.enc.ForceIntraFrame()
	}
	out, err := b.enc.EncodeI420(y, u, v, width, height)
	if err != nil {
		return nil, averrors.NewCodecError("h264.encode", err)
	}
	return out, nil
}

// DecodeFrame decodes one Annex-B access unit into planar I420.
func (b *H264Backend) DecodeFrame(payload []byte) (y, u, v []byte, width, height int, err error) {
	frame, decErr := b.dec.Decode(payload)
	if decErr != nil {
		return nil, nil, nil, 0, 0, averrors.NewCodecError("h264.decode", decErr)
	}
	return frame.Y, frame.U, frame.V, frame.Width, frame.Height, nil
}

// Reconfigure applies a new bitrate/resolution/keyframe request emitted by
// the bitrate regulator (spec §4.7) or the MSI capability layer.
func (b *H264Backend) Reconfigure(bitrateKbps, width, height int, forceKeyframe bool) error {
	if bitrateKbps <= 0 || width <= 0 || height <= 0 {
		return averrors.NewCodecError("h264.reconfigure", fmt.Errorf("invalid target bitrate=%d w=%d h=%d", bitrateKbps, width, height))
	}
	if width != b.width || height != b.height {
		if err := b.enc.SetResolution(width, height); err != nil {
			return averrors.NewCodecError("h264.reconfigure", err)
		}
		b.width, b.height = width, height
	}
	if bitrateKbps != b.bitrateKbps {
		if err := b.enc.SetBitrate(bitrateKbps); err != nil {
			return averrors.NewCodecError("h264.reconfigure", err)
		}
		b.bitrateKbps = bitrateKbps
	}
	if forceKeyframe {
		b.enc.ForceIntraFrame()
	}
	return nil
}

// Destroy releases the underlying encoder/decoder handles.
func (b *H264Backend) Destroy() {
	b.enc.Close()
	b.dec.Close()
}
