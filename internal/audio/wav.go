package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// WAVHeaderSize is the size of the canonical PCM RIFF header.
const WAVHeaderSize = 44

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 44.1 kHz stereo 16-bit.
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels, BitsPerSample: BitsPerSample}
}

func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BlockAlign()
}

// DurationMs converts a PCM payload size into milliseconds.
func (f Format) DurationMs(dataBytes int64) int64 {
	bps := int64(f.BytesPerSecond())
	if bps <= 0 {
		return 0
	}
	return dataBytes * 1000 / bps
}

func (f Format) validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("invalid pcm format %+v", f)
	}
	return nil
}

// EncodeWAVHeader returns a 44-byte header for dataBytes of PCM payload.
func EncodeWAVHeader(f Format, dataBytes uint32) []byte {
	h := make([]byte, WAVHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], dataBytes+36)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1)
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(h[34:36], uint16(f.BitsPerSample))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataBytes)
	return h
}

// WAVWriter writes PCM to disk behind a provisional header that Finalize patches.
type WAVWriter struct {
	path      string
	format    Format
	file      *os.File
	dataBytes int64
	closed    bool
}

func CreateWAV(path string, format Format) (*WAVWriter, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create wav %s: %w", path, err)
	}
	if _, err := file.Write(EncodeWAVHeader(format, 0)); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write wav header %s: %w", path, err)
	}
	return &WAVWriter{path: path, format: format, file: file}, nil
}

func (w *WAVWriter) Path() string {
	return w.path
}

func (w *WAVWriter) DataBytes() int64 {
	return w.dataBytes
}

func (w *WAVWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	n, err := w.file.Write(p)
	w.dataBytes += int64(n)
	return n, err
}

// Finalize rewrites the RIFF and data sizes and closes the file.
// It returns the total file size in bytes.
func (w *WAVWriter) Finalize() (int64, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	w.closed = true

	size := uint32(w.dataBytes)
	var riff, data [4]byte
	binary.LittleEndian.PutUint32(riff[:], size+36)
	binary.LittleEndian.PutUint32(data[:], size)

	_, err := w.file.WriteAt(riff[:], 4)
	if err == nil {
		_, err = w.file.WriteAt(data[:], 40)
	}
	if err == nil {
		err = w.file.Sync()
	}
	closeErr := w.file.Close()
	if err = errors.Join(err, closeErr); err != nil {
		return 0, fmt.Errorf("finalize wav %s: %w", w.path, err)
	}
	return w.dataBytes + WAVHeaderSize, nil
}

// Discard closes and removes the file.
func (w *WAVWriter) Discard() error {
	var closeErr error
	if !w.closed {
		w.closed = true
		closeErr = w.file.Close()
	}
	removeErr := os.Remove(w.path)
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}
	return errors.Join(closeErr, removeErr)
}
