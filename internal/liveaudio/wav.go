package liveaudio

import (
	"encoding/binary"
	"errors"
)

// wavHeaderSize is the fixed size of a canonical 44-byte PCM WAV header
// (RIFF + fmt + data chunk headers, no extension fields).
const wavHeaderSize = 44

// ErrNotWAV is returned by [DecodeWAV] when data is not a RIFF/WAVE stream.
var ErrNotWAV = errors.New("liveaudio: not a RIFF/WAVE stream")

// ErrUnsupportedWAVFormat is returned by [DecodeWAV] for a WAV file that is
// not 16-bit PCM.
var ErrUnsupportedWAVFormat = errors.New("liveaudio: wav chunk must be 16-bit PCM")

// EncodeWAV wraps raw little-endian PCM samples in a canonical,
// standards-compliant WAV (RIFF) container: "RIFF" size "WAVE" "fmt " (16
// bytes, PCM format 1) "data" size, followed by the PCM payload verbatim.
func EncodeWAV(pcm []byte, sampleRate, channels, sampleWidth int) []byte {
	blockAlign := channels * sampleWidth
	byteRate := sampleRate * blockAlign
	dataSize := uint32(len(pcm))
	riffSize := uint32(wavHeaderSize-8) + dataSize

	buf := make([]byte, wavHeaderSize+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], riffSize)
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(sampleWidth*8))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)

	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// DecodeWAV parses a RIFF/WAVE container and returns its raw PCM frames
// plus format. It walks chunks rather than assuming the canonical 44-byte
// layout, since some encoders insert extension fields between "fmt " and
// "data".
func DecodeWAV(data []byte) (pcm []byte, sampleRate, channels, sampleWidth int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, 0, ErrNotWAV
	}

	var formatTag uint16
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) || size < 0 {
			break
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, 0, ErrNotWAV
			}
			formatTag = binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			sampleWidth = int(binary.LittleEndian.Uint16(data[body+14:body+16])) / 8
		case "data":
			pcm = data[body : body+size]
		}

		pos = body + size
		if size%2 == 1 {
			pos++ // chunks are word-aligned
		}
	}

	if formatTag != 1 || sampleWidth != 2 {
		return nil, 0, 0, 0, ErrUnsupportedWAVFormat
	}
	if sampleRate <= 0 || channels <= 0 || pcm == nil {
		return nil, 0, 0, 0, ErrNotWAV
	}
	return pcm, sampleRate, channels, sampleWidth, nil
}
