package apx

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/apx-pm/apx/pkg/keyring"
	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zstd"
)

const (
	// Magic identifies a native container.
	Magic = "APX1"
	// FormatVersion is the newest container revision this reader accepts.
	FormatVersion = 1

	headerSize = 10
)

// Package is an opened native container. The metadata block is decoded
// eagerly; the content stream is read on demand via ContentReader.
type Package struct {
	f       *os.File
	size    int64
	metaLen int64

	Meta Metadata
}

// Open maps path as a native container and decodes its metadata block.
// The returned Package holds the file open until Close.
func Open(ctx context.Context, path string) (*Package, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("path", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening container: %v", apxerr.ErrFilesystem, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat container: %v", apxerr.ErrFilesystem, err)
	}

	p := &Package{f: f, size: info.Size()}
	if err := p.readHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	log.V(2).Info("opened container", "name", p.Meta.Name, "version", p.Meta.Version, "files", len(p.Meta.Files))
	return p, nil
}

func (p *Package) readHeader() error {
	if p.size < headerSize+keyring.SignatureSize {
		return fmt.Errorf("%w: container truncated at %d bytes", apxerr.ErrIntegrity, p.size)
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(p.f, 0, headerSize), hdr[:]); err != nil {
		return fmt.Errorf("%w: reading container header: %v", apxerr.ErrIntegrity, err)
	}
	if string(hdr[:4]) != Magic {
		return fmt.Errorf("%w: bad magic %q", apxerr.ErrIntegrity, hdr[:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v > FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", apxerr.ErrIntegrity, v)
	}
	p.metaLen = int64(binary.LittleEndian.Uint32(hdr[6:10]))
	if headerSize+p.metaLen+keyring.SignatureSize > p.size {
		return fmt.Errorf("%w: metadata length %d exceeds container", apxerr.ErrIntegrity, p.metaLen)
	}

	compressed := make([]byte, p.metaLen)
	if _, err := io.ReadFull(io.NewSectionReader(p.f, headerSize, p.metaLen), compressed); err != nil {
		return fmt.Errorf("%w: reading metadata block: %v", apxerr.ErrIntegrity, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("%w: decompressing metadata: %v", apxerr.ErrIntegrity, err)
	}
	if err := json.Unmarshal(raw, &p.Meta); err != nil {
		return fmt.Errorf("%w: decoding metadata: %v", apxerr.ErrIntegrity, err)
	}
	if p.Meta.Name == "" || p.Meta.Version == "" {
		return fmt.Errorf("%w: metadata missing name or version", apxerr.ErrIntegrity)
	}
	return nil
}

// Verify checks the trailing signature over everything before it
// against the given ring. Call before any content byte is trusted.
func (p *Package) Verify(ctx context.Context, kr *keyring.Keyring) error {
	log := logr.FromContextOrDiscard(ctx)

	sig := make([]byte, keyring.SignatureSize)
	if _, err := io.ReadFull(io.NewSectionReader(p.f, p.size-keyring.SignatureSize, keyring.SignatureSize), sig); err != nil {
		return fmt.Errorf("%w: reading signature: %v", apxerr.ErrIntegrity, err)
	}
	message, err := io.ReadAll(io.NewSectionReader(p.f, 0, p.size-keyring.SignatureSize))
	if err != nil {
		return fmt.Errorf("%w: reading signed region: %v", apxerr.ErrIntegrity, err)
	}
	if err := kr.VerifyDetached(message, sig); err != nil {
		return err
	}
	log.V(1).Info("container signature verified", "name", p.Meta.Name, "version", p.Meta.Version)
	return nil
}

// ContentReader returns the decompressed content tar stream. The
// caller owns the reader and must Close it; the underlying file stays
// open for further reads.
func (p *Package) ContentReader(ctx context.Context) (io.ReadCloser, error) {
	start := headerSize + p.metaLen
	length := p.size - keyring.SignatureSize - start
	if length < 0 {
		return nil, fmt.Errorf("%w: container has no content region", apxerr.ErrIntegrity)
	}
	dec, err := zstd.NewReader(io.NewSectionReader(p.f, start, length))
	if err != nil {
		return nil, fmt.Errorf("%w: opening content stream: %v", apxerr.ErrIntegrity, err)
	}
	return dec.IOReadCloser(), nil
}

// Close releases the underlying file.
func (p *Package) Close() error {
	return p.f.Close()
}

// IsNative reports whether the file at path begins with the native
// container magic. Used to pick between the native and the legacy
// reader.
func IsNative(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() {
		_ = f.Close()
	}()
	var hdr [4]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return false
	}
	return string(hdr[:]) == Magic
}
