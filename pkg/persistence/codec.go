package persistence

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"io"

	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/vmihailenco/msgpack/v5"
)

// Binary format constants
const (
	MagicBytes    = "NSRC" // neurosim recording
	FormatVersion = 1
)

// headerSize is the encoded size of Header.
const headerSize = 24

// Header precedes the run ID and payload of every recording file.
type Header struct {
	Magic    [4]byte
	Version  uint16
	Flags    uint16
	RunIDLen uint32
	DataLen  uint64
	Checksum uint32
}

const (
	FlagCompressed uint16 = 1 << 0
)

var (
	ErrTooShort         = errors.New("data too short")
	ErrInvalidMagic     = errors.New("invalid magic bytes")
	ErrUnsupportedVer   = errors.New("unsupported format version")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Codec handles encoding/decoding of recordings
type Codec struct {
	compress  bool
	compLevel int
}

// NewCodec creates a new codec
func NewCodec(compress bool) *Codec {
	return &Codec{
		compress:  compress,
		compLevel: gzip.BestSpeed,
	}
}

// Encode serializes a recording to binary format
func (c *Codec) Encode(rec *Recording) ([]byte, error) {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, err
	}

	// Keep the compressed form only when it is actually smaller
	var flags uint16
	if c.compress {
		compressed, err := c.compressData(data)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(data) {
			data = compressed
			flags |= FlagCompressed
		}
	}

	header := Header{
		Version:  FormatVersion,
		Flags:    flags,
		RunIDLen: uint32(len(rec.RunID)),
		DataLen:  uint64(len(data)),
		Checksum: checksum(data),
	}
	copy(header.Magic[:], MagicBytes)

	buf := new(bytes.Buffer)
	buf.Grow(headerSize + len(rec.RunID) + len(data))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	buf.WriteString(string(rec.RunID))
	buf.Write(data)
	return buf.Bytes(), nil
}

// ReadHeader parses the header and run ID without touching the payload.
func (c *Codec) ReadHeader(raw []byte) (Header, core.RunID, error) {
	var header Header
	if len(raw) < headerSize {
		return header, "", ErrTooShort
	}
	r := bytes.NewReader(raw)
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return header, "", err
	}
	if string(header.Magic[:]) != MagicBytes {
		return header, "", ErrInvalidMagic
	}
	if header.Version > FormatVersion {
		return header, "", ErrUnsupportedVer
	}
	id := make([]byte, header.RunIDLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return header, "", err
	}
	return header, core.RunID(id), nil
}

// Decode deserializes binary format to a recording
func (c *Codec) Decode(raw []byte) (*Recording, error) {
	header, id, err := c.ReadHeader(raw)
	if err != nil {
		return nil, err
	}

	off := uint64(headerSize) + uint64(header.RunIDLen)
	if uint64(len(raw))-off < header.DataLen {
		return nil, io.ErrUnexpectedEOF
	}
	data := raw[off : off+header.DataLen]

	if checksum(data) != header.Checksum {
		return nil, ErrChecksumMismatch
	}

	if header.Flags&FlagCompressed != 0 {
		if data, err = c.decompressData(data); err != nil {
			return nil, err
		}
	}

	var rec Recording
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.RunID != id {
		return nil, errors.New("run id in header does not match payload")
	}
	return &rec, nil
}

// compressData compresses using gzip
func (c *Codec) compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.compLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressData decompresses gzip data
func (c *Codec) decompressData(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func checksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum = sum*31 + uint32(b)
	}
	return sum
}
