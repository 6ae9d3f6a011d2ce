// SPDX-License-Identifier: MIT

package vad

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// LoadWAV16kMono reads a headerized PCM WAV into float32 samples at 16 kHz.
// It accepts 8/16/32-bit PCM, downmixes multi-channel audio by averaging,
// and resamples by linear interpolation when the source rate differs. It is
// only used on files we normalized ourselves, so exotic WAV layouts are
// rejected rather than guessed at.
func LoadWAV16kMono(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return nil, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE file")
	}

	var (
		channels   int
		sampleRate int
		bitDepth   int
		data       []byte
	)

	for {
		var hdr [8]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			buf := make([]byte, size)
			if _, err := io.ReadFull(f, buf); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			bitDepth = int(binary.LittleEndian.Uint16(buf[14:16]))
		case "data":
			data = make([]byte, size)
			if _, err := io.ReadFull(f, data); err != nil {
				return nil, fmt.Errorf("read data chunk: %w", err)
			}
		default:
			if _, err := f.Seek(int64(size), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
		// Chunks are word-aligned.
		if size%2 == 1 {
			if _, err := f.Seek(1, io.SeekCurrent); err != nil {
				break
			}
		}
	}

	if channels == 0 || sampleRate == 0 {
		return nil, fmt.Errorf("missing fmt chunk")
	}
	if len(data) == 0 {
		return nil, nil
	}

	pcm, err := decodePCM(data, bitDepth)
	if err != nil {
		return nil, err
	}
	if channels > 1 {
		pcm = downmix(pcm, channels)
	}
	if sampleRate != SampleRate {
		pcm = resampleLinear(pcm, sampleRate, SampleRate)
	}
	return pcm, nil
}

func decodePCM(data []byte, bitDepth int) ([]float32, error) {
	switch bitDepth {
	case 16:
		n := len(data) / 2
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			v := int16(binary.LittleEndian.Uint16(data[2*i:]))
			out[i] = float32(v) / 32768.0
		}
		return out, nil
	case 8:
		out := make([]float32, len(data))
		for i, b := range data {
			out[i] = (float32(b) - 128.0) / 128.0
		}
		return out, nil
	case 32:
		n := len(data) / 4
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			v := int32(binary.LittleEndian.Uint32(data[4*i:]))
			out[i] = float32(float64(v) / 2147483648.0)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported WAV bit depth: %d", bitDepth)
	}
}

func downmix(pcm []float32, channels int) []float32 {
	frames := len(pcm) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += pcm[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// resampleLinear interpolates pcm from srcRate onto a target length of
// len(pcm) * dstRate / srcRate samples.
func resampleLinear(pcm []float32, srcRate, dstRate int) []float32 {
	if len(pcm) == 0 {
		return pcm
	}
	n := int(float64(len(pcm))*float64(dstRate)/float64(srcRate) + 0.5)
	if n < 1 {
		n = 1
	}
	out := make([]float32, n)
	den := n - 1
	if den < 1 {
		den = 1
	}
	scale := float64(len(pcm)-1) / float64(den)
	for i := 0; i < n; i++ {
		pos := float64(i) * scale
		lo := int(pos)
		hi := lo + 1
		if hi >= len(pcm) {
			hi = len(pcm) - 1
		}
		frac := float32(pos - float64(lo))
		out[i] = pcm[lo]*(1-frac) + pcm[hi]*frac
	}
	return out
}
