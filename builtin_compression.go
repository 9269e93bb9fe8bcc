package sshtransport

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

type noneCompressionFactory struct{}

func (f *noneCompressionFactory) Name() string {
	return CompressionNone.String()
}

func (f *noneCompressionFactory) Delayed() bool {
	return false
}

func (f *noneCompressionFactory) New() Compressor {
	return nil
}

// zlibCompressionFactory creates zlib packet compressors. The
// zlib@openssh.com variant only activates once the session is
// authenticated.
type zlibCompressionFactory struct {
	name    string
	delayed bool
}

func (f *zlibCompressionFactory) Name() string {
	return f.name
}

func (f *zlibCompressionFactory) Delayed() bool {
	return f.delayed
}

func (f *zlibCompressionFactory) New() Compressor {
	return &zlibCompressor{}
}

// dictionarySize is the deflate back-reference window.
const dictionarySize = 32 * 1024

// zlibCompressor implements the continuous zlib stream the protocol
// requires: one deflate stream per direction spanning all packets, with a
// sync flush ending each packet so the peer can decode it in isolation. The
// stream is never finalized, so no zlib checksum is ever produced.
type zlibCompressor struct {
	writeBuf    bytes.Buffer
	deflater    *flate.Writer
	wroteHeader bool

	readHeader bool
	dictionary []byte
}

func (z *zlibCompressor) Compress(payload []byte) ([]byte, error) {
	if z.deflater == nil {
		deflater, err := flate.NewWriter(&z.writeBuf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		z.deflater = deflater
	}
	z.writeBuf.Reset()
	if !z.wroteHeader {
		// Fixed zlib header: deflate, 32KB window, default level, no preset
		// dictionary.
		z.writeBuf.Write([]byte{0x78, 0x9c})
		z.wroteHeader = true
	}
	if _, err := z.deflater.Write(payload); err != nil {
		return nil, err
	}
	if err := z.deflater.Flush(); err != nil {
		return nil, err
	}
	return append([]byte{}, z.writeBuf.Bytes()...), nil
}

func (z *zlibCompressor) Decompress(payload []byte) ([]byte, error) {
	if !z.readHeader {
		if len(payload) < 2 {
			return nil, fmt.Errorf("compressed packet too short for zlib header")
		}
		if payload[0]&0x0f != 8 {
			return nil, fmt.Errorf("unsupported zlib compression method %d", payload[0]&0x0f)
		}
		if payload[1]&0x20 != 0 {
			return nil, fmt.Errorf("zlib preset dictionaries are not supported")
		}
		payload = payload[2:]
		z.readHeader = true
	}

	// The peer's sync flush byte-aligns the stream at the packet boundary,
	// so each packet decodes independently given the accumulated dictionary.
	// The stream has no final block; running out of input marks the packet
	// end.
	inflater := flate.NewReaderDict(bytes.NewReader(payload), z.dictionary)
	output, err := io.ReadAll(inflater)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	_ = inflater.Close()

	z.dictionary = append(z.dictionary, output...)
	if len(z.dictionary) > dictionarySize {
		z.dictionary = z.dictionary[len(z.dictionary)-dictionarySize:]
	}
	return output, nil
}
