package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// G.711 mu-law constants
const (
	mulawBias = 0x84
	mulawClip = 32635

	// MulawSilence is the mu-law byte for a zero sample.
	MulawSilence = 0xFF
)

// mulawDecodeTable maps each mu-law byte to its linear PCM value. It is
// built from the canonical G.711 expansion formula so decode stays the
// exact inverse of mulawEncode segment boundaries.
var mulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		magnitude := ((int(mantissa) << 3) + mulawBias) << exponent
		value := int16(magnitude - mulawBias)
		if u&0x80 != 0 {
			value = -value
		}
		mulawDecodeTable[i] = value
	}
}

// mulawToPCM converts mu-law audio to linear PCM int16
func mulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, val := range mulaw {
		pcm[i] = mulawDecodeTable[val]
	}
	return pcm
}

// MulawToPCMBytes converts mu-law audio to little-endian 16-bit PCM bytes
func MulawToPCMBytes(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, val := range mulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawDecodeTable[val]))
	}
	return out
}

// pcmToMulaw converts linear PCM int16 to mu-law
func pcmToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, val := range pcm {
		mulaw[i] = mulawEncode(val)
	}
	return mulaw
}

// PCMBytesToMulaw converts little-endian 16-bit PCM bytes to mu-law.
// A trailing odd byte is ignored.
func PCMBytesToMulaw(data []byte) []byte {
	n := len(data) / 2
	mulaw := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(data[i*2:]))
		mulaw[i] = mulawEncode(sample)
	}
	return mulaw
}

func mulawEncode(pcm int16) byte {
	// Get the sign bit
	sign := byte(0)
	sample := int(pcm)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}

	// Clip the magnitude and add the bias
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	// Find the segment from the highest set bit
	exponent := 7
	for mask := 0x4000; exponent > 0 && sample&mask == 0; exponent-- {
		mask >>= 1
	}

	mantissa := byte((sample >> (uint(exponent) + 3)) & 0x0F)

	// Combine and invert all bits
	return ^(sign | byte(exponent)<<4 | mantissa)
}

// BytesToPCM converts byte array to int16 PCM (little-endian)
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid PCM data length: %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := 0; i < len(pcm); i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// PCMToBytes converts int16 PCM to byte array (little-endian)
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// CalculateRMS computes the RMS level of little-endian 16-bit PCM audio,
// normalized to [0.0, 1.0].
func CalculateRMS(data []byte) float64 {
	numSamples := len(data) / 2
	if numSamples == 0 {
		return 0.0
	}

	var sumSquares float64
	for i := 0; i < numSamples; i++ {
		sample := int16(binary.LittleEndian.Uint16(data[i*2:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}

	return math.Sqrt(sumSquares / float64(numSamples))
}

// Resample performs simple linear interpolation resampling
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(input) == 0 {
		return input
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputLen := int(float64(len(input)) / ratio)
	output := make([]int16, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 < len(input) {
			// Linear interpolation
			sample1 := float64(input[srcIdx])
			sample2 := float64(input[srcIdx+1])
			output[i] = int16(sample1 + (sample2-sample1)*frac)
		} else if srcIdx < len(input) {
			output[i] = input[srcIdx]
		}
	}

	return output
}
