package decode

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
)

func recordingDecoder(name string, calls *[]string) Func {
	return Func{
		DecoderName: name,
		Fn: func(payload []byte, msg *idmef.Message) error {
			*calls = append(*calls, name+":"+string(payload))
			msg.AddAdditionalData(idmef.AdditionalData{Meaning: name, Data: string(payload)})
			return nil
		},
	}
}

func TestRegister_ConflictKeepsOriginal(t *testing.T) {
	var calls []string
	r := NewRegistry(nil)

	require.NoError(t, r.Register(5, recordingDecoder("first", &calls)))

	err := r.Register(5, recordingDecoder("second", &calls))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConflict)
	var cerr *errors.ConfigurationError
	assert.True(t, stderrors.As(err, &cerr))
	assert.True(t, errors.IsFatal(err))

	msg := idmef.New()
	handled, err := r.Dispatch(5, []byte("x"), msg)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{"first:x"}, calls)

	d, ok := r.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, "first", d.Name())
}

func TestRegister_Nil(t *testing.T) {
	r := NewRegistry(nil)
	assert.Error(t, r.Register(1, nil))
	assert.Empty(t, r.SubTags())
}

func TestDispatch_Unbound(t *testing.T) {
	r := NewRegistry(nil)
	msg := idmef.New()

	handled, err := r.Dispatch(9, []byte("ignored"), msg)
	assert.NoError(t, err)
	assert.False(t, handled)
	assert.Empty(t, msg.Pending())
}

func TestDispatch_DecoderFailure(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(3, Func{
		DecoderName: "broken",
		Fn: func([]byte, *idmef.Message) error {
			return fmt.Errorf("bad payload: %w", errors.ErrParsingFailed)
		},
	}))

	handled, err := r.Dispatch(3, nil, idmef.New())
	assert.True(t, handled)
	require.Error(t, err)

	var derr *errors.DecodeError
	require.True(t, stderrors.As(err, &derr))
	assert.Equal(t, uint8(3), derr.SubTag)
	assert.Equal(t, "broken", derr.Decoder)
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
	assert.Contains(t, err.Error(), "sub-tag 3 (broken)")
}

func TestSubTags_Sorted(t *testing.T) {
	var calls []string
	r := NewRegistry(nil)
	for _, tag := range []uint8{9, 2, 5} {
		require.NoError(t, r.Register(tag, recordingDecoder(fmt.Sprint(tag), &calls)))
	}
	assert.Equal(t, []uint8{2, 5, 9}, r.SubTags())
}
