//go:build !opus
// +build !opus

package audio

// Stub codec for builds without libopus. The real implementation lives in
// codec_opus.go behind the `opus` build tag.

type OpusDecoder struct{}

func NewOpusDecoder(channels int) (*OpusDecoder, error) { return nil, ErrCodecUnavailable }

func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) { return nil, ErrCodecUnavailable }
func (d *OpusDecoder) Close() error                         { return nil }

type OpusEncoder struct{}

func NewOpusEncoder(channels int) (*OpusEncoder, error) { return nil, ErrCodecUnavailable }

func (e *OpusEncoder) Encode(frame []byte) ([]byte, error) { return nil, ErrCodecUnavailable }
