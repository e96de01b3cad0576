package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"stripefs/pkg/types"
)

func TestStatusRoundTrip(t *testing.T) {
	for _, sentinel := range []error{
		types.ErrAlreadyExists,
		types.ErrNotFound,
		types.ErrPermissionDenied,
		types.ErrCapacity,
		types.ErrConfiguration,
	} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("object 1/2/3: %w", sentinel)
			back := FromStatus(ToStatus(wrapped))
			assert.True(t, errors.Is(back, sentinel))
		})
	}
}

func TestStatusMessageNotRepeated(t *testing.T) {
	back := FromStatus(ToStatus(fmt.Errorf("target 1 has 2 bytes free: %w", types.ErrCapacity)))
	assert.ErrorIs(t, back, types.ErrCapacity)
	assert.Equal(t, "target 1 has 2 bytes free: insufficient capacity", back.Error())

	// Messages without the sentinel text get it prepended.
	back = FromStatus(status.Error(codes.NotFound, "object 7"))
	assert.ErrorIs(t, back, types.ErrNotFound)
	assert.Equal(t, "object not found: object 7", back.Error())
}

func TestUnknownErrorsStayInternal(t *testing.T) {
	err := ToStatus(errors.New("disk on fire"))
	assert.Equal(t, codes.Internal, status.Code(err))

	back := FromStatus(err)
	assert.Equal(t, codes.Internal, status.Code(back))
	assert.Nil(t, ToStatus(nil))
	assert.Nil(t, FromStatus(nil))
}

func TestCodecRoundTrip(t *testing.T) {
	codec := jsonCodec{}
	in := &WriteRequest{
		Ref:    types.ObjectRef{Target: 2, Container: 9, Object: 0xdeadbeef, Type: types.ObjectData},
		Offset: 4096,
		Data:   []byte{0, 1, 2, 255},
		Capability: types.Capability{
			Container: 9,
			Ops:       types.OpWrite,
			Token:     []byte("token"),
		},
	}

	data, err := codec.Marshal(in)
	assert.NoError(t, err)

	out := &WriteRequest{}
	assert.NoError(t, codec.Unmarshal(data, out))
	assert.Equal(t, in, out)
	assert.Equal(t, CodecName, codec.Name())
}
