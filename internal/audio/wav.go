package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

const (
	// HeaderSize is the size of the minimal RIFF/WAVE/fmt/data header
	// every chunk file starts with.
	HeaderSize = 44

	// NumChannels and BitsPerSample are fixed for the mono 16-bit PCM
	// streams this service accepts.
	NumChannels   = 1
	BitsPerSample = 16

	// BytesPerSample is the width of one mono sample.
	BytesPerSample = NumChannels * BitsPerSample / 8

	riffSizeOffset = 4
	dataSizeOffset = 40
)

// WAVHeader represents the 44-byte header of a PCM WAV file.
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// BuildHeader produces a 44-byte mono 16-bit PCM WAV header with zeroed
// size fields. The sizes are filled in later by PatchSizes once the
// chunk's data length is known.
func BuildHeader(sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     0, // patched after the data is written
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   NumChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * NumChannels * BitsPerSample / 8,
		BlockAlign:    NumChannels * BitsPerSample / 8,
		BitsPerSample: BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: 0, // patched after the data is written
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to encode WAV header: %w", err)
	}

	return buf.Bytes(), nil
}

// PatchSizes overwrites the RIFF chunk size (offset 4, value
// 36+dataBytes) and the data subchunk size (offset 40, value dataBytes)
// of an open chunk file in place. A handle smaller than a full header
// means the chunk was never written correctly; that is an invariant
// violation and fails with a StorageError fatal to the chunk's attempt.
func PatchSizes(f *os.File, dataBytes uint32) error {
	info, err := f.Stat()
	if err != nil {
		return &StorageError{Op: "stat", Err: err}
	}
	if info.Size() < HeaderSize {
		return &StorageError{
			Op:  "patch",
			Err: fmt.Errorf("handle holds %d bytes, need at least %d for a WAV header", info.Size(), HeaderSize),
		}
	}

	if _, err := f.Seek(riffSizeOffset, 0); err != nil {
		return &StorageError{Op: "seek", Err: err}
	}
	if err := binary.Write(f, binary.LittleEndian, 36+dataBytes); err != nil {
		return &StorageError{Op: "write", Err: err}
	}

	if _, err := f.Seek(dataSizeOffset, 0); err != nil {
		return &StorageError{Op: "seek", Err: err}
	}
	if err := binary.Write(f, binary.LittleEndian, dataBytes); err != nil {
		return &StorageError{Op: "write", Err: err}
	}

	return nil
}

// ValidateFrame checks that an inbound audio frame carries the
// RIFF/WAVE signature. Frames failing this check must not be appended
// to a chunk.
func ValidateFrame(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("frame too short: need at least 12 bytes, got %d", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid frame: missing RIFF signature")
	}
	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid frame: missing WAVE format")
	}
	return nil
}

// StripHeader returns the PCM payload of a WAV-framed audio frame. Each
// inbound frame carries its own 44-byte header; the chunk file has a
// single header, so per-frame headers are dropped before appending.
func StripHeader(frame []byte) []byte {
	if len(frame) <= HeaderSize {
		return nil
	}
	return frame[HeaderSize:]
}

// PCMDuration converts a mono 16-bit PCM byte count at the given sample
// rate into a duration.
func PCMDuration(dataBytes int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	bytesPerSecond := int64(sampleRate) * BytesPerSample
	return time.Duration(dataBytes * int64(time.Second) / bytesPerSecond)
}
