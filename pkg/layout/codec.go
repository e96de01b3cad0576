package layout

import (
	"encoding/binary"
	"fmt"
	"math"

	"stripefs/pkg/types"
)

// Management object format, all fields little-endian:
//
//	offset 0   chunk_size   int32
//	offset 4   stripe_count int32
//	offset 8   stripe_count ObjectRef records
//
// and each ObjectRef record is
//
//	target uint32 | type uint32 | container uint64 | object uint64
const (
	FieldSize  = 4
	HeaderSize = 2 * FieldSize
	RefSize    = 24

	// MaxStripeCount bounds what Load accepts from a management object.
	MaxStripeCount = 1 << 16
)

func encodeInt32(v int) []byte {
	buf := make([]byte, FieldSize)
	binary.LittleEndian.PutUint32(buf, uint32(int32(v)))
	return buf
}

func decodeInt32(buf []byte) int {
	return int(int32(binary.LittleEndian.Uint32(buf)))
}

// EncodeRef returns the record form of ref.
func EncodeRef(ref types.ObjectRef) []byte {
	buf := make([]byte, RefSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ref.Target))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ref.Type))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ref.Container))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(ref.Object))
	return buf
}

// DecodeRef parses a record produced by EncodeRef.
func DecodeRef(buf []byte) (types.ObjectRef, error) {
	if len(buf) < RefSize {
		return types.ObjectRef{}, fmt.Errorf("%w: object record is %d bytes, want %d", types.ErrIO, len(buf), RefSize)
	}
	return types.ObjectRef{
		Target:    types.TargetID(binary.LittleEndian.Uint32(buf[0:4])),
		Type:      types.ObjectType(binary.LittleEndian.Uint32(buf[4:8])),
		Container: types.ContainerID(binary.LittleEndian.Uint64(buf[8:16])),
		Object:    types.ObjectID(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

// Marshal returns the complete management object contents for obj.
func Marshal(obj *types.DistributedObject) ([]byte, error) {
	if err := obj.Validate(); err != nil {
		return nil, err
	}
	if obj.ChunkSize > math.MaxInt32 || obj.StripeCount > MaxStripeCount {
		return nil, fmt.Errorf("%w: chunk size %d stripe count %d do not fit the layout format",
			types.ErrConfiguration, obj.ChunkSize, obj.StripeCount)
	}

	buf := make([]byte, 0, HeaderSize+RefSize*obj.StripeCount)
	buf = append(buf, encodeInt32(obj.ChunkSize)...)
	buf = append(buf, encodeInt32(obj.StripeCount)...)
	for _, ref := range obj.Objects {
		buf = append(buf, EncodeRef(ref)...)
	}
	return buf, nil
}

// Unmarshal parses management object contents.
func Unmarshal(buf []byte) (*types.DistributedObject, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: layout header is %d bytes", types.ErrIO, len(buf))
	}
	chunkSize, stripeCount, err := decodeHeader(buf[:FieldSize], buf[FieldSize:HeaderSize])
	if err != nil {
		return nil, err
	}

	want := HeaderSize + RefSize*stripeCount
	if len(buf) < want {
		return nil, fmt.Errorf("%w: layout is %d bytes, want %d", types.ErrIO, len(buf), want)
	}

	obj := &types.DistributedObject{
		ChunkSize:   chunkSize,
		StripeCount: stripeCount,
		Objects:     make([]types.ObjectRef, stripeCount),
	}
	for i := range obj.Objects {
		off := HeaderSize + RefSize*i
		if obj.Objects[i], err = DecodeRef(buf[off : off+RefSize]); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func decodeHeader(chunkField, stripeField []byte) (int, int, error) {
	chunkSize := decodeInt32(chunkField)
	stripeCount := decodeInt32(stripeField)
	if chunkSize <= 0 || stripeCount <= 0 || stripeCount > MaxStripeCount {
		return 0, 0, fmt.Errorf("%w: corrupt layout header (chunk size %d, stripe count %d)",
			types.ErrIO, chunkSize, stripeCount)
	}
	return chunkSize, stripeCount, nil
}
