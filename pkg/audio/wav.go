// Package audio holds the small PCM helpers shared by the transcription
// backends and the CLI.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	wavHeaderSize = 44
	bitsPerSample = 16
)

// ErrNotWAV is returned by DecodeWAV when the input is not a PCM RIFF/WAVE file.
var ErrNotWAV = errors.New("audio: not a 16-bit PCM WAV file")

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container suitable for multipart uploads.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

// DecodeWAV extracts the PCM payload and format of a 16-bit PCM WAV file.
// Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	if !IsWAV(data) {
		return nil, 0, 0, ErrNotWAV
	}
	var gotFmt bool
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, ErrNotWAV
			}
			if binary.LittleEndian.Uint16(data[body:body+2]) != 1 ||
				binary.LittleEndian.Uint16(data[body+14:body+16]) != bitsPerSample {
				return nil, 0, 0, ErrNotWAV
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return nil, 0, 0, ErrNotWAV
			}
			return data[body : body+size], sampleRate, channels, nil
		}
		off = body + size + size%2
	}
	return nil, 0, 0, ErrNotWAV
}
