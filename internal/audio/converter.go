package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrEmptyFrame is returned when a frame carries no audio
	ErrEmptyFrame = errors.New("empty audio frame")
	// ErrOddLength is returned when PCM16 data has a trailing half sample
	ErrOddLength = errors.New("PCM data length must be even (16-bit samples)")
)

// BytesToSamples converts 16-bit little-endian PCM to samples
func BytesToSamples(pcmData []byte) ([]int16, error) {
	if len(pcmData)%2 != 0 {
		return nil, ErrOddLength
	}

	samples := make([]int16, len(pcmData)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcmData[i*2:]))
	}
	return samples, nil
}

// SamplesToBytes converts samples to 16-bit little-endian PCM
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ConvertPCMUToPCM converts G.711 PCMU (μ-law) to linear 16-bit PCM
func ConvertPCMUToPCM(pcmuData []byte) ([]byte, error) {
	if len(pcmuData) == 0 {
		return nil, ErrEmptyFrame
	}

	samples := make([]int16, len(pcmuData))
	for i, b := range pcmuData {
		samples[i] = mulawToLinear(b)
	}
	return SamplesToBytes(samples), nil
}

// ConvertPCMAToPCM converts G.711 PCMA (A-law) to linear 16-bit PCM
func ConvertPCMAToPCM(pcmaData []byte) ([]byte, error) {
	if len(pcmaData) == 0 {
		return nil, ErrEmptyFrame
	}

	samples := make([]int16, len(pcmaData))
	for i, b := range pcmaData {
		samples[i] = alawToLinear(b)
	}
	return SamplesToBytes(samples), nil
}

// ConvertPCMToPCMU converts linear PCM audio to G.711 PCMU (μ-law) format,
// resampling first when the rates differ.
func ConvertPCMToPCMU(pcmData []byte, inputSampleRate, outputSampleRate int) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, ErrEmptyFrame
	}

	samples, err := BytesToSamples(pcmData)
	if err != nil {
		return nil, err
	}

	if inputSampleRate != outputSampleRate {
		samples = Resample(samples, inputSampleRate, outputSampleRate)
	}

	pcmuData := make([]byte, len(samples))
	for i, sample := range samples {
		pcmuData[i] = linearToMulaw(sample)
	}

	return pcmuData, nil
}

// Resample performs simple linear interpolation resampling
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law
// (ITU-T G.711, 14-bit magnitude)
func linearToMulaw(sample int16) byte {
	const (
		clip = 8158
		bias = 0x21
	)

	var sign byte
	magnitude := int32(sample) >> 2
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}

	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	var segment byte
	switch {
	case magnitude >= 0x1000:
		segment = 7
	case magnitude >= 0x800:
		segment = 6
	case magnitude >= 0x400:
		segment = 5
	case magnitude >= 0x200:
		segment = 4
	case magnitude >= 0x100:
		segment = 3
	case magnitude >= 0x80:
		segment = 2
	case magnitude >= 0x40:
		segment = 1
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | (segment << 4) | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	// (mantissa << (segment+1)) + (33 << segment) - 33, scaled back to 16 bits
	step := mantissa << (segment + 1)
	step += int32(33) << segment
	magnitude := (step - 33) << 2

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// alawToLinear converts an 8-bit A-law sample to 16-bit linear PCM
func alawToLinear(alawByte byte) int16 {
	alawByte ^= 0x55

	sign := alawByte & 0x80
	segment := int32((alawByte >> 4) & 0x07)
	mantissa := int32(alawByte & 0x0F)

	var magnitude int32
	if segment == 0 {
		magnitude = (mantissa << 4) + 8
	} else {
		magnitude = ((mantissa << 4) + 0x108) << (segment - 1)
	}

	// A-law sign bit set means positive
	if sign != 0 {
		return int16(magnitude)
	}
	return int16(-magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
