package fuse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &InHeader{
		Len:         64,
		Opcode:      uint32(LOOKUP),
		Unique:      0xdeadbeef,
		NodeID:      42,
		UID:         1000,
		GID:         1000,
		PID:         4242,
		TotalExtlen: 0,
	}
	buf := make([]byte, unsafeSizeofInHeader)
	require.NoError(t, EncodeHeader(buf, h))

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderEncodeTooSmall(t *testing.T) {
	err := EncodeHeader(make([]byte, 4), &InHeader{})
	require.Error(t, err)
}

func TestOutHeaderRoundTrip(t *testing.T) {
	h := &OutHeader{Len: 16, Error: -2, Unique: 7}
	buf := make([]byte, unsafeSizeofOutHeader)
	require.NoError(t, EncodeOutHeader(buf, h))

	got, err := DecodeOutHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestBodyRoundTrip(t *testing.T) {
	in := &WriteIn{
		Fh:         3,
		Offset:     4096,
		Size:       128,
		WriteFlags: WRITE_CACHE,
		LockOwner:  9,
		Flags:      0,
	}
	b, err := EncodeBody(in)
	require.NoError(t, err)
	require.Len(t, b, int(unsafeSizeofWriteIn))

	var out WriteIn
	require.NoError(t, DecodeBody(b, &out))
	require.Equal(t, *in, out)
}

const unsafeSizeofWriteIn = 40

func TestPadNameAlignsToEightBytes(t *testing.T) {
	cases := []struct {
		name string
		want int
	}{
		{"", 7},
		{"a", 6},
		{"abcdefg", 0},  // len+1 = 8
		{"abcdefgh", 7}, // len+1 = 9 -> pad to 16
	}
	for _, c := range cases {
		got := PadName(len(c.name))
		require.Equal(t, c.want, got, "name=%q", c.name)
		total := len(c.name) + 1 + got
		require.Zero(t, total%NamePadding)
	}
}

func TestEncodeDecodeNameRoundTrip(t *testing.T) {
	encoded := EncodeName("hello-world", PadAligned)
	require.Zero(t, len(encoded)%NamePadding)

	name, err := DecodeName(encoded, PadAligned)
	require.NoError(t, err)
	require.Equal(t, "hello-world", name)
}

func TestEncodeNamePadMinimalOmitsPadding(t *testing.T) {
	encoded := EncodeName("ab", PadMinimal)
	require.Equal(t, []byte("ab\x00"), encoded)
}

func TestDecodeNameMissingNulErrors(t *testing.T) {
	_, err := DecodeName([]byte("no-terminator"), PadAligned)
	require.Error(t, err)
}

func TestDecodeNamePadMinimalAcceptsUnpaddedPayload(t *testing.T) {
	name, err := DecodeName(EncodeName("ab", PadMinimal), PadMinimal)
	require.NoError(t, err)
	require.Equal(t, "ab", name)
}

func TestDecodeNamePadAlignedRejectsNonZeroPadding(t *testing.T) {
	payload := []byte("ab\x00\x00\x01\x00\x00\x00")
	_, err := DecodeName(payload, PadAligned)
	require.Error(t, err)
}

func TestDecodeNamePadMinimalToleratesNonZeroTrailingBytes(t *testing.T) {
	payload := []byte("ab\x00garbage!")
	name, err := DecodeName(payload, PadMinimal)
	require.NoError(t, err)
	require.Equal(t, "ab", name)
}

func TestQueueForRoutesHighPriorityOpsToHiprio(t *testing.T) {
	require.Equal(t, QueueHiprio, QueueFor(FORGET))
	require.Equal(t, QueueHiprio, QueueFor(BATCH_FORGET))
	require.Equal(t, QueueHiprio, QueueFor(INTERRUPT))
	require.Equal(t, QueueRequest, QueueFor(READ))
	require.Equal(t, QueueRequest, QueueFor(WRITE))
}

func TestNameCountForRenameFamily(t *testing.T) {
	require.Equal(t, 2, NameCount(RENAME))
	require.Equal(t, 2, NameCount(RENAME2))
	require.Equal(t, 1, NameCount(LOOKUP))
	require.Equal(t, 0, NameCount(GETATTR))
}

func TestOpcodeStringKnownAndUnknown(t *testing.T) {
	require.Equal(t, "INIT", INIT.String())
	require.Equal(t, "UNKNOWN", Opcode(9999).String())
}
