// Package audio holds the PCM plumbing shared by the bridge: sample-rate
// conversion between Discord's 48 kHz stream and the 16 kHz mono format the
// conversational endpoint speaks, level measurement and the opus codec.
//
// All PCM is signed 16-bit little-endian, interleaved when multi-channel.
package audio

import "encoding/binary"

const (
	// DiscordRate is the sample rate of decoded Discord voice.
	DiscordRate = 48000
	// AgentRate is the sample rate exchanged with the conversational agent.
	AgentRate = 16000
	// RateFactor is DiscordRate / AgentRate.
	RateFactor = DiscordRate / AgentRate

	bytesPerSample = 2
)

// Downsample48kTo16k converts 48 kHz PCM with the given channel count into
// 16 kHz mono. Channels are averaged, then every third sample frame is kept;
// there is no anti-aliasing filter. Trailing partial frames are ignored and
// inputs shorter than three frames yield an empty slice.
func Downsample48kTo16k(pcm []byte, channels int) []byte {
	if channels < 1 {
		channels = 1
	}
	frameBytes := bytesPerSample * channels
	frames := len(pcm) / frameBytes
	n := frames / RateFactor
	out := make([]byte, n*bytesPerSample)
	for i := 0; i < n; i++ {
		off := i * RateFactor * frameBytes
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off+c*bytesPerSample:])))
		}
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// Upsample16kTo48k converts 16 kHz mono PCM into 48 kHz with the given
// channel count by repeating every sample three times (zero-order hold) and
// copying it into each channel. An odd trailing byte is dropped.
func Upsample16kTo48k(pcm []byte, channels int) []byte {
	if channels < 1 {
		channels = 1
	}
	samples := len(pcm) / bytesPerSample
	frameBytes := bytesPerSample * channels
	out := make([]byte, samples*RateFactor*frameBytes)
	w := 0
	for i := 0; i < samples; i++ {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for r := 0; r < RateFactor*channels; r++ {
			out[w] = lo
			out[w+1] = hi
			w += bytesPerSample
		}
	}
	return out
}

// Peak scans 16-bit samples for the largest absolute amplitude. Scanning
// stops as soon as a sample exceeds threshold, in which case loud is true and
// peak is that sample's magnitude.
func Peak(pcm []byte, threshold int) (peak int, loud bool) {
	for i := 0; i+1 < len(pcm); i += bytesPerSample {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
			if peak > threshold {
				return peak, true
			}
		}
	}
	return peak, false
}

// Silence returns n zeroed bytes of PCM.
func Silence(n int) []byte {
	if n < 0 {
		n = 0
	}
	return make([]byte, n)
}

// Int16ToBytes packs samples as little-endian PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(s))
	}
	return out
}

// BytesToInt16 unpacks little-endian PCM; an odd trailing byte is dropped.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
	}
	return out
}

// DurationMs reports how long len(pcm) bytes last at rate and channels.
func DurationMs(pcmLen, rate, channels int) int {
	if rate <= 0 || channels <= 0 {
		return 0
	}
	return (pcmLen / (bytesPerSample * channels)) * 1000 / rate
}
