package persistence

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/denizumutdereli/neurosim/pkg/monitor"
)

func sampleRecording(points int) *Recording {
	rec := NewRecording("single_neuron", 1e-4)
	rec.Duration = float64(points) * 1e-4
	rec.Steps = int64(points)
	rec.Seed = 7
	samples := make([]monitor.Sample, points)
	for i := range samples {
		samples[i] = monitor.Sample{T: float64(i+1) * 1e-4, V: -70e-3}
	}
	rec.States = []StateTrace{{Source: "lif", Var: "v", Index: 0, Samples: samples}}
	rec.Spikes = []SpikeTrain{{Source: "lif", Size: 1, Events: []monitor.SpikeEvent{{T: 0.016, Index: 0}}}}
	rec.Summary["spikes"] = 1
	return rec
}

func TestCodecEncodeDecodeWithCompression(t *testing.T) {
	codec := NewCodec(true)
	rec := sampleRecording(1000)

	data, err := codec.Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	flags := binary.LittleEndian.Uint16(data[6:8])
	if flags&FlagCompressed == 0 {
		t.Error("repetitive samples should have been stored compressed")
	}

	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.RunID != rec.RunID {
		t.Errorf("RunID mismatch: expected %s, got %s", rec.RunID, decoded.RunID)
	}
	if len(decoded.States) != 1 || len(decoded.States[0].Samples) != 1000 {
		t.Fatalf("unexpected states %d", len(decoded.States))
	}
	if decoded.States[0].Samples[999] != rec.States[0].Samples[999] {
		t.Error("sample values changed in transit")
	}
	if !decoded.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt mismatch: %v vs %v", decoded.CreatedAt, rec.CreatedAt)
	}
	if decoded.SpikeCount() != 1 || decoded.Summary["spikes"] != 1 {
		t.Error("spikes or summary lost")
	}
}

func TestCodecWithoutCompression(t *testing.T) {
	codec := NewCodec(false)
	rec := sampleRecording(10)

	data, err := codec.Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if binary.LittleEndian.Uint16(data[6:8])&FlagCompressed != 0 {
		t.Error("compression flag set by a non-compressing codec")
	}
	if _, err := codec.Decode(data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	// Any codec reads any file.
	if _, err := NewCodec(true).Decode(data); err != nil {
		t.Fatalf("compressing codec failed on plain data: %v", err)
	}
}

func TestCodecMagicBytes(t *testing.T) {
	data, _ := NewCodec(false).Encode(sampleRecording(1))
	if string(data[:4]) != MagicBytes {
		t.Errorf("Expected magic bytes '%s', got '%s'", MagicBytes, string(data[:4]))
	}
}

func TestCodecReadHeader(t *testing.T) {
	codec := NewCodec(true)
	rec := sampleRecording(5)
	data, _ := codec.Encode(rec)

	h, id, err := codec.ReadHeader(data)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if id != rec.RunID || h.Version != FormatVersion {
		t.Errorf("unexpected header %+v id %s", h, id)
	}
	if int(h.DataLen) != len(data)-headerSize-len(id) {
		t.Errorf("DataLen %d does not match payload", h.DataLen)
	}
}

func TestCodecInvalidData(t *testing.T) {
	codec := NewCodec(false)

	if _, err := codec.Decode([]byte{1, 2, 3}); !errors.Is(err, ErrTooShort) {
		t.Errorf("expected ErrTooShort, got %v", err)
	}

	invalidMagic := make([]byte, 100)
	copy(invalidMagic[:4], "XXXX")
	if _, err := codec.Decode(invalidMagic); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	data, _ := codec.Encode(sampleRecording(10))
	data[len(data)-1] ^= 0xff
	if _, err := codec.Decode(data); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}

	data, _ = codec.Encode(sampleRecording(10))
	if _, err := codec.Decode(data[:len(data)-3]); err == nil {
		t.Error("truncated payload must fail")
	}

	data, _ = codec.Encode(sampleRecording(1))
	binary.LittleEndian.PutUint16(data[4:6], FormatVersion+1)
	if _, err := codec.Decode(data); !errors.Is(err, ErrUnsupportedVer) {
		t.Errorf("expected ErrUnsupportedVer, got %v", err)
	}
}
