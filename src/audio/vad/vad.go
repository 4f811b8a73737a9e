package vad

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Detector is a frame-level voice activity detector for 16-bit mono PCM.
// It combines an adaptive energy gate with a zero-crossing-rate band
// check. Aggressiveness 1..3 selects how strict the energy gate is:
// higher values reject more borderline frames.
type Detector struct {
	aggressiveness int
	sampleRate     int

	baseThreshold float64
	noiseFloor    float64
}

// Energy thresholds (normalized RMS) per aggressiveness level.
var energyThresholds = map[int]float64{
	1: 0.010,
	2: 0.020,
	3: 0.035,
}

const (
	// Zero-crossing band for speech. Voiced speech sits well below the
	// upper bound; broadband hiss crosses far more often.
	zcrMax = 0.70

	// Noise floor smoothing factor and the margin speech must clear
	// above the tracked floor.
	noiseSmoothing  = 0.05
	noiseFloorRatio = 2.5
)

// New creates a Detector. Aggressiveness must be 1..3.
func New(aggressiveness, sampleRate int) (*Detector, error) {
	if _, ok := energyThresholds[aggressiveness]; !ok {
		return nil, fmt.Errorf("vad: aggressiveness must be 1..3, got %d", aggressiveness)
	}
	return &Detector{
		aggressiveness: aggressiveness,
		sampleRate:     sampleRate,
		baseThreshold:  energyThresholds[aggressiveness],
	}, nil
}

// IsSpeech reports whether the frame contains speech. The frame is
// little-endian 16-bit PCM; any length is accepted, empty frames are
// never speech.
func (d *Detector) IsSpeech(frame []byte) bool {
	numSamples := len(frame) / 2
	if numSamples == 0 {
		return false
	}

	var sumSquares float64
	var crossings int
	var prev int16

	for i := 0; i < numSamples; i++ {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized

		if i > 0 && ((sample >= 0) != (prev >= 0)) {
			crossings++
		}
		prev = sample
	}

	rms := math.Sqrt(sumSquares / float64(numSamples))
	zcr := float64(crossings) / float64(numSamples)

	threshold := d.baseThreshold
	if adaptive := d.noiseFloor * noiseFloorRatio; adaptive > threshold {
		threshold = adaptive
	}

	speech := rms >= threshold && zcr <= zcrMax

	// Track the background level using non-speech frames only, so the
	// floor does not chase the caller's voice.
	if !speech {
		d.noiseFloor = noiseSmoothing*rms + (1.0-noiseSmoothing)*d.noiseFloor
	}

	return speech
}

// Reset clears the adaptive noise floor.
func (d *Detector) Reset() {
	d.noiseFloor = 0
}
