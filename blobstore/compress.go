package blobstore

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses blob contents on the wire between the caller and the
// backing storage.
type Codec interface {
	Name() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// ZstdCodec compresses with zstd. The zero value uses the default level.
type ZstdCodec struct {
	// Level is a zstd compression level, 1-22. Zero means the encoder
	// default.
	Level int
}

func (ZstdCodec) Name() string { return "zstd" }

func (c ZstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	var opts []zstd.EOption
	if c.Level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.Level)))
	}
	return zstd.NewWriter(w, opts...)
}

func (c ZstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zstdReadCloser{dec}, nil
}

type zstdReadCloser struct {
	dec *zstd.Decoder
}

func (z zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z zstdReadCloser) Close() error {
	z.dec.Close()
	return nil
}

// Lz4Codec compresses with LZ4 frames. Faster than zstd at a lower ratio.
type Lz4Codec struct{}

func (Lz4Codec) Name() string { return "lz4" }

func (Lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (Lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
