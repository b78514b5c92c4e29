package audio

import "errors"

const (
	// FrameSamples is the number of samples per channel in one 20 ms
	// Discord opus frame.
	FrameSamples = DiscordRate / 50
	// MaxPacketBytes bounds a single encoded opus packet.
	MaxPacketBytes = 4000
)

// ErrCodecUnavailable is returned by the codec constructors in builds
// without libopus (build without the `opus` tag).
var ErrCodecUnavailable = errors.New("audio: opus codec not compiled in (build with -tags opus)")

// FrameBytes is the size of one 20 ms PCM frame at 48 kHz.
func FrameBytes(channels int) int {
	if channels < 1 {
		channels = 1
	}
	return FrameSamples * channels * bytesPerSample
}
