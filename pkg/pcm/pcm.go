// Package pcm converts between normalized float32 audio samples and the
// base64-encoded little-endian int16 framing used on the gateway wire.
//
// The scaling constants are deliberately asymmetric: encoding multiplies by
// 32767 (so -1.0 cannot overflow the int16 range) while decoding divides by
// 32768 (restoring the full normalized range). Both sides of the wire must use
// the same constants to stay bit-compatible; a round trip reproduces each
// sample within one quantization step (1/32768).
package pcm

import (
	"encoding/base64"
	"fmt"
)

// ErrMalformed is returned by the decode functions when the decoded byte
// sequence is not a whole number of int16 samples.
var ErrMalformed = fmt.Errorf("pcm: byte length is not a multiple of 2")

const (
	// encodeScale converts a normalized float sample to int16. 32767 (not
	// 32768) so that a clamped -1.0 maps to -32767 and cannot overflow.
	encodeScale = 32767

	// decodeScale converts an int16 sample back to normalized float range.
	decodeScale = 32768
)

// SamplesToBytes converts normalized float32 samples to little-endian int16
// PCM bytes. Each sample is clamped to [-1, 1] before scaling; the fractional
// part is truncated toward zero.
func SamplesToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * encodeScale)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// BytesToSamples converts little-endian int16 PCM bytes to normalized float32
// samples. Returns ErrMalformed when the byte count is odd.
func BytesToSamples(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrMalformed, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / decodeScale
	}
	return out, nil
}

// Encode converts normalized samples to the transport representation:
// little-endian int16 PCM wrapped in standard base64.
func Encode(samples []float32) string {
	return base64.StdEncoding.EncodeToString(SamplesToBytes(samples))
}

// Decode is the exact inverse of Encode. It returns an error when the input
// is not valid base64 or does not decode to a whole number of samples.
func Decode(encoded string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("pcm: base64 decode: %w", err)
	}
	return BytesToSamples(raw)
}

// EncodeBytes wraps already-framed little-endian int16 PCM in the transport
// encoding. Used by callers that hold raw device buffers.
func EncodeBytes(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBytes unwraps the transport encoding to raw little-endian int16 PCM
// without converting to float samples. Returns ErrMalformed for odd lengths.
func DecodeBytes(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("pcm: base64 decode: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrMalformed, len(raw))
	}
	return raw, nil
}
