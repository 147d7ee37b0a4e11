package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding identifies how a block's data is stored.
type Encoding uint8

const (
	// Raw stores data uncompressed.
	Raw Encoding = 0
	// LZ4 uses LZ4 block compression (fast decode, streaming geometry).
	LZ4 Encoding = 1
	// Zstd uses Zstandard (better ratio, offline-baked assets).
	Zstd Encoding = 2
)

func (e Encoding) String() string {
	switch e {
	case Raw:
		return "raw"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("Encoding(%d)", uint8(e))
	}
}

// ParseEncoding parses the String form of an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "raw":
		return Raw, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	}
	return Raw, fmt.Errorf("payload: unknown encoding %q", s)
}

// ErrCorruptBlock is returned when a block header or body is inconsistent.
var ErrCorruptBlock = errors.New("payload: corrupt block")

const headerSize = 12

// Upper bounds on decoded bytes per stored byte. An LZ4 sequence yields at
// most 255 bytes per length byte; a zstd block yields at most 128 KiB from a
// 4 byte RLE block.
const (
	lz4MaxRatio  = 255
	zstdMaxRatio = 1 << 15

	zstdMaxWindow = 8 << 20
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(math.MaxUint32),
		zstd.WithDecoderMaxWindow(zstdMaxWindow),
	)
	return dec
}

// Encode wraps data into a block using enc.
func Encode(data []byte, enc Encoding) ([]byte, error) {
	if len(data) > math.MaxUint32 {
		return nil, fmt.Errorf("payload: %d bytes exceeds block limit", len(data))
	}

	var stored []byte
	switch enc {
	case Raw:
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		stored = buf[:n]
	case Zstd:
		e := getZstdEncoder()
		stored = e.EncodeAll(data, nil)
		zstdEncoderPool.Put(e)
	default:
		return nil, fmt.Errorf("payload: unknown encoding %d", enc)
	}

	if len(stored) == 0 || float64(len(stored)) > float64(len(data))*0.9 {
		enc, stored = Raw, nil
	}

	body := data
	if stored != nil {
		body = stored
	}
	out := make([]byte, headerSize+len(body))
	out[0] = byte(enc)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[8:], uint32(len(stored)))
	copy(out[headerSize:], body)
	return out, nil
}

// RawSize returns the decoded size recorded in a block header.
func RawSize(block []byte) (uint64, error) {
	if len(block) < headerSize {
		return 0, ErrCorruptBlock
	}
	return uint64(binary.LittleEndian.Uint32(block[4:])), nil
}

// Decode returns the raw bytes of a block. Uncompressed blocks are returned
// without copying. Headers claiming more output than the stored body can
// produce are rejected before any buffer is allocated.
func Decode(block []byte) ([]byte, error) {
	if len(block) < headerSize {
		return nil, ErrCorruptBlock
	}

	enc := Encoding(block[0])
	rawSize := binary.LittleEndian.Uint32(block[4:])
	storedSize := binary.LittleEndian.Uint32(block[8:])
	body := block[headerSize:]

	if storedSize == 0 {
		if uint64(len(body)) < uint64(rawSize) {
			return nil, ErrCorruptBlock
		}
		return body[:rawSize], nil
	}
	if uint64(len(body)) < uint64(storedSize) {
		return nil, ErrCorruptBlock
	}
	body = body[:storedSize]

	switch enc {
	case LZ4:
		if uint64(rawSize) > uint64(storedSize)*lz4MaxRatio {
			return nil, fmt.Errorf("%w: %d bytes cannot expand to %d", ErrCorruptBlock, storedSize, rawSize)
		}
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptBlock, err)
		}
		if uint32(n) != rawSize {
			return nil, ErrCorruptBlock
		}
		return out, nil
	case Zstd:
		if uint64(rawSize) > uint64(storedSize)*zstdMaxRatio {
			return nil, fmt.Errorf("%w: %d bytes cannot expand to %d", ErrCorruptBlock, storedSize, rawSize)
		}
		var h zstd.Header
		if err := h.Decode(body); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptBlock, err)
		}
		if h.Skippable || (h.HasFCS && h.FrameContentSize != uint64(rawSize)) {
			return nil, fmt.Errorf("%w: frame content size %d, header %d", ErrCorruptBlock, h.FrameContentSize, rawSize)
		}
		d := getZstdDecoder()
		defer zstdDecoderPool.Put(d)
		out, err := d.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptBlock, err)
		}
		if uint32(len(out)) != rawSize {
			return nil, ErrCorruptBlock
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: encoding %d", ErrCorruptBlock, enc)
	}
}
