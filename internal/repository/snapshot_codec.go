package repository

import (
	"bytes"
	"fmt"
	"time"

	"pixel-canvas/internal/models"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// SnapshotCodec names the on-disk format of compacted snapshots:
// CBOR pixel records, zstd compressed, BLAKE3 checksum of the CBOR bytes.
const SnapshotCodec = "cbor+zstd+blake3"

type snapshotPayload struct {
	Width  int           `cbor:"1,keyasint"`
	Height int           `cbor:"2,keyasint"`
	Seq    uint64        `cbor:"3,keyasint"`
	Pixels []pixelRecord `cbor:"4,keyasint"`
}

// pixelRecord keeps untouched pixels down to a couple of bytes
type pixelRecord struct {
	Color     uint32 `cbor:"1,keyasint,omitempty"`
	Editor    string `cbor:"2,keyasint,omitempty"`
	Seq       uint64 `cbor:"3,keyasint,omitempty"`
	UpdatedAt int64  `cbor:"4,keyasint,omitempty"` // unix nanoseconds, 0 = never
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeSnapshot converts a snapshot into its persisted record
func EncodeSnapshot(snap *models.CanvasSnapshot) (*models.SnapshotRecord, error) {
	if len(snap.Pixels) != snap.Width*snap.Height {
		return nil, fmt.Errorf("snapshot has %d pixels for %dx%d", len(snap.Pixels), snap.Width, snap.Height)
	}

	payload := snapshotPayload{
		Width:  snap.Width,
		Height: snap.Height,
		Seq:    snap.Seq,
		Pixels: make([]pixelRecord, len(snap.Pixels)),
	}
	for i, p := range snap.Pixels {
		rec := pixelRecord{
			Color:  uint32(p.Color),
			Editor: p.LastEditor,
			Seq:    p.Seq,
		}
		if !p.UpdatedAt.IsZero() {
			rec.UpdatedAt = p.UpdatedAt.UnixNano()
		}
		payload.Pixels[i] = rec
	}

	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sum := blake3.Sum256(raw)

	return &models.SnapshotRecord{
		Seq:      snap.Seq,
		Width:    snap.Width,
		Height:   snap.Height,
		Codec:    SnapshotCodec,
		Data:     zstdEncoder.EncodeAll(raw, nil),
		Checksum: sum[:],
	}, nil
}

// DecodeSnapshot restores a snapshot from its record, verifying the checksum
func DecodeSnapshot(rec *models.SnapshotRecord) (*models.CanvasSnapshot, error) {
	if rec.Codec != SnapshotCodec {
		return nil, fmt.Errorf("snapshot %d: unknown codec %q", rec.Seq, rec.Codec)
	}

	raw, err := zstdDecoder.DecodeAll(rec.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: zstd decompress: %w", rec.Seq, err)
	}
	sum := blake3.Sum256(raw)
	if !bytes.Equal(sum[:], rec.Checksum) {
		return nil, fmt.Errorf("snapshot %d: checksum mismatch", rec.Seq)
	}

	var payload snapshotPayload
	if err := cbor.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("snapshot %d: decode: %w", rec.Seq, err)
	}
	if payload.Seq != rec.Seq || payload.Width != rec.Width || payload.Height != rec.Height {
		return nil, fmt.Errorf("snapshot %d: payload header does not match record", rec.Seq)
	}
	if len(payload.Pixels) != payload.Width*payload.Height {
		return nil, fmt.Errorf("snapshot %d: %d pixels for %dx%d", rec.Seq, len(payload.Pixels), payload.Width, payload.Height)
	}

	snap := &models.CanvasSnapshot{
		Width:     payload.Width,
		Height:    payload.Height,
		Seq:       payload.Seq,
		Pixels:    make([]models.Pixel, len(payload.Pixels)),
		CreatedAt: rec.CreatedAt,
	}
	for i, p := range payload.Pixels {
		px := models.Pixel{
			Color:      models.Color(p.Color),
			LastEditor: p.Editor,
			Seq:        p.Seq,
		}
		if p.UpdatedAt != 0 {
			px.UpdatedAt = time.Unix(0, p.UpdatedAt)
		}
		snap.Pixels[i] = px
	}
	return snap, nil
}
