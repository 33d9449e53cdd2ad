package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/hyperjump/mirip/pkg/e"
)

// Index file layout (little-endian):
//
//	magic "MVEC" | version uint32 | dimensions uint32 | count uint64 | count*dimensions float32
const (
	fileMagic      = "MVEC"
	fileVersion    = uint32(1)
	fileHeaderSize = 4 + 4 + 4 + 8
)

// ErrCorruptIndex is returned when an index file is truncated or has an unknown header.
var ErrCorruptIndex = errors.New("corrupt index file")

// writeIndexFile writes vectors (flat, row-major) to path via a temp file and rename,
// so a crash mid-write never leaves a partial file at path.
func writeIndexFile(path string, dimensions int, flat []float32) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	header := make([]byte, fileHeaderSize)
	copy(header[0:4], fileMagic)
	binary.LittleEndian.PutUint32(header[4:8], fileVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(dimensions))
	binary.LittleEndian.PutUint64(header[12:20], uint64(len(flat)/dimensions))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(float32SliceToBytes(flat)); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush index file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename index file: %w", err)
	}
	return nil
}

// readIndexFile reads an index file written by writeIndexFile. found is false when
// the file does not exist.
func readIndexFile(path string, dimensions int) (flat []float32, found bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("stat index file: %w", err)
	}

	r := bufio.NewReader(f)
	header := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, true, fmt.Errorf("%w: read header: %v", ErrCorruptIndex, err)
	}
	if string(header[0:4]) != fileMagic {
		return nil, true, fmt.Errorf("%w: bad magic %q", ErrCorruptIndex, header[0:4])
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != fileVersion {
		return nil, true, fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, v)
	}
	dim := binary.LittleEndian.Uint32(header[8:12])
	if int(dim) != dimensions {
		return nil, true, fmt.Errorf("%w: file has %d, index expects %d", e.ErrDimensionMismatch, dim, dimensions)
	}
	n := binary.LittleEndian.Uint64(header[12:20])
	bodySize := uint64(info.Size()) - fileHeaderSize
	if n > math.MaxInt32 || n*uint64(dim)*4 != bodySize {
		return nil, true, fmt.Errorf("%w: header declares %d vectors, body has %d bytes", ErrCorruptIndex, n, bodySize)
	}
	buf := make([]byte, bodySize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, true, fmt.Errorf("%w: read vectors: %v", ErrCorruptIndex, err)
	}
	return bytesToFloat32Slice(buf), true, nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
