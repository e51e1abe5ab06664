package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	wav "github.com/youpy/go-wav"
)

func TestBuildHeader(t *testing.T) {
	header, err := BuildHeader(16000)
	if err != nil {
		t.Fatalf("BuildHeader failed: %v", err)
	}

	if len(header) != HeaderSize {
		t.Fatalf("Expected %d header bytes, got %d", HeaderSize, len(header))
	}

	if string(header[0:4]) != "RIFF" {
		t.Errorf("Expected RIFF signature, got %q", header[0:4])
	}
	if string(header[8:12]) != "WAVE" {
		t.Errorf("Expected WAVE format, got %q", header[8:12])
	}
	if string(header[36:40]) != "data" {
		t.Errorf("Expected data subchunk, got %q", header[36:40])
	}

	// Size fields start zeroed; they are patched once the data length
	// is known.
	if riffSize := binary.LittleEndian.Uint32(header[4:8]); riffSize != 0 {
		t.Errorf("Expected zeroed RIFF size, got %d", riffSize)
	}
	if dataSize := binary.LittleEndian.Uint32(header[40:44]); dataSize != 0 {
		t.Errorf("Expected zeroed data size, got %d", dataSize)
	}

	if sampleRate := binary.LittleEndian.Uint32(header[24:28]); sampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", sampleRate)
	}
	if byteRate := binary.LittleEndian.Uint32(header[28:32]); byteRate != 32000 {
		t.Errorf("Expected byte rate 32000, got %d", byteRate)
	}
	if bits := binary.LittleEndian.Uint16(header[34:36]); bits != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", bits)
	}
}

func TestBuildHeaderInvalidSampleRate(t *testing.T) {
	if _, err := BuildHeader(0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
	if _, err := BuildHeader(-16000); err == nil {
		t.Error("Expected error for negative sample rate")
	}
}

func TestPatchSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patch.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer f.Close()

	header, err := BuildHeader(16000)
	if err != nil {
		t.Fatalf("BuildHeader failed: %v", err)
	}
	if _, err := f.Write(header); err != nil {
		t.Fatalf("Failed to write header: %v", err)
	}

	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	if _, err := f.Write(pcm); err != nil {
		t.Fatalf("Failed to write PCM data: %v", err)
	}

	if err := PatchSizes(f, uint32(len(pcm))); err != nil {
		t.Fatalf("PatchSizes failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read patched file: %v", err)
	}

	// Header round-trip law: data size field equals the PCM byte count
	// and the RIFF size field equals 36 + data bytes.
	if riffSize := binary.LittleEndian.Uint32(data[4:8]); riffSize != uint32(36+len(pcm)) {
		t.Errorf("Expected RIFF size %d, got %d", 36+len(pcm), riffSize)
	}
	if dataSize := binary.LittleEndian.Uint32(data[40:44]); dataSize != uint32(len(pcm)) {
		t.Errorf("Expected data size %d, got %d", len(pcm), dataSize)
	}
}

// TestPatchedFileParsesAsWAV verifies a patched chunk file with an
// independent WAV reader.
func TestPatchedFileParsesAsWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parse.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	header, err := BuildHeader(16000)
	if err != nil {
		t.Fatalf("BuildHeader failed: %v", err)
	}
	if _, err := f.Write(header); err != nil {
		t.Fatalf("Failed to write header: %v", err)
	}

	numSamples := 800
	pcm := make([]byte, numSamples*2)
	for i := 0; i < numSamples; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i-400)))
	}
	if _, err := f.Write(pcm); err != nil {
		t.Fatalf("Failed to write PCM data: %v", err)
	}
	if err := PatchSizes(f, uint32(len(pcm))); err != nil {
		t.Fatalf("PatchSizes failed: %v", err)
	}
	f.Close()

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen file: %v", err)
	}
	defer rf.Close()

	reader := wav.NewReader(rf)
	format, err := reader.Format()
	if err != nil {
		t.Fatalf("WAV reader rejected patched file: %v", err)
	}

	if format.AudioFormat != 1 {
		t.Errorf("Expected PCM format 1, got %d", format.AudioFormat)
	}
	if format.NumChannels != 1 {
		t.Errorf("Expected mono, got %d channels", format.NumChannels)
	}
	if format.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", format.SampleRate)
	}

	read := 0
	for {
		samples, err := reader.ReadSamples(uint32(256))
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Failed to read samples: %v", err)
		}
		read += len(samples)
	}
	if read != numSamples {
		t.Errorf("Expected %d samples, got %d", numSamples, read)
	}
}

func TestPatchSizesShortHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte("RIFF")); err != nil {
		t.Fatalf("Failed to write stub: %v", err)
	}

	err = PatchSizes(f, 100)
	if err == nil {
		t.Fatal("Expected error for handle shorter than a WAV header")
	}

	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Errorf("Expected StorageError, got %T: %v", err, err)
	}
}

func TestValidateFrame(t *testing.T) {
	header, err := BuildHeader(16000)
	if err != nil {
		t.Fatalf("BuildHeader failed: %v", err)
	}
	if err := ValidateFrame(header); err != nil {
		t.Errorf("Valid header rejected: %v", err)
	}

	if err := ValidateFrame([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for short frame")
	}

	fake := make([]byte, HeaderSize)
	copy(fake, []byte("FAKE"))
	if err := ValidateFrame(fake); err == nil {
		t.Error("Expected error for missing RIFF signature")
	}

	noWave := append([]byte{}, header...)
	copy(noWave[8:12], []byte("XXXX"))
	if err := ValidateFrame(noWave); err == nil {
		t.Error("Expected error for missing WAVE format")
	}
}

func TestStripHeader(t *testing.T) {
	header, _ := BuildHeader(16000)
	pcm := []byte{1, 2, 3, 4}
	frame := append(append([]byte{}, header...), pcm...)

	payload := StripHeader(frame)
	if len(payload) != len(pcm) {
		t.Fatalf("Expected %d payload bytes, got %d", len(pcm), len(payload))
	}
	for i, b := range pcm {
		if payload[i] != b {
			t.Errorf("Payload byte %d: expected %d, got %d", i, b, payload[i])
		}
	}

	if got := StripHeader(header); got != nil {
		t.Errorf("Expected nil payload for header-only frame, got %d bytes", len(got))
	}
}

func TestPCMDuration(t *testing.T) {
	// 16000 bytes of mono 16-bit PCM at 16kHz is exactly 500ms.
	if d := PCMDuration(16000, 16000); d != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", d)
	}
	if d := PCMDuration(32000, 16000); d != time.Second {
		t.Errorf("Expected 1s, got %v", d)
	}
	if d := PCMDuration(3000, 16000); d >= 100*time.Millisecond {
		t.Errorf("Expected < 100ms for 3000 bytes, got %v", d)
	}
	if d := PCMDuration(16000, 0); d != 0 {
		t.Errorf("Expected 0 for zero sample rate, got %v", d)
	}
}
