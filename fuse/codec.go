package fuse

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NamePadding is the alignment boundary FUSE pads trailing name payloads
// to (spec.md §4.3's "8-byte name-payload padding rule").
const NamePadding = 8

// PaddingMode selects how a request's trailing name bytes are measured
// before being handed to the backend as a C string. Resolution (a) from
// spec.md §9 is PadAligned, the default this driver implements; PadMinimal
// models resolution (b) for interop testing against peers that do not
// pad (virtiofsd's InteriorNul quirk).
type PaddingMode int

const (
	PadAligned PaddingMode = iota
	PadMinimal
)

// EncodeHeader serializes an InHeader field-wise into dst, the way
// go-ublk's internal/uapi/marshal.go writes UAPI control structs: no bulk
// struct cast, one binary.LittleEndian.PutUintNN call per field.
func EncodeHeader(dst []byte, h *InHeader) error {
	if len(dst) < int(unsafeSizeofInHeader) {
		return fmt.Errorf("fuse: EncodeHeader: dst too small: %d < %d", len(dst), unsafeSizeofInHeader)
	}
	binary.LittleEndian.PutUint32(dst[0:4], h.Len)
	binary.LittleEndian.PutUint32(dst[4:8], h.Opcode)
	binary.LittleEndian.PutUint64(dst[8:16], h.Unique)
	binary.LittleEndian.PutUint64(dst[16:24], h.NodeID)
	binary.LittleEndian.PutUint32(dst[24:28], h.UID)
	binary.LittleEndian.PutUint32(dst[28:32], h.GID)
	binary.LittleEndian.PutUint32(dst[32:36], h.PID)
	binary.LittleEndian.PutUint32(dst[36:40], h.TotalExtlen)
	return nil
}

// DecodeHeader parses an InHeader out of src field-wise.
func DecodeHeader(src []byte) (*InHeader, error) {
	if len(src) < int(unsafeSizeofInHeader) {
		return nil, fmt.Errorf("fuse: DecodeHeader: src too small: %d < %d", len(src), unsafeSizeofInHeader)
	}
	return &InHeader{
		Len:         binary.LittleEndian.Uint32(src[0:4]),
		Opcode:      binary.LittleEndian.Uint32(src[4:8]),
		Unique:      binary.LittleEndian.Uint64(src[8:16]),
		NodeID:      binary.LittleEndian.Uint64(src[16:24]),
		UID:         binary.LittleEndian.Uint32(src[24:28]),
		GID:         binary.LittleEndian.Uint32(src[28:32]),
		PID:         binary.LittleEndian.Uint32(src[32:36]),
		TotalExtlen: binary.LittleEndian.Uint32(src[36:40]),
	}, nil
}

// EncodeOutHeader serializes an OutHeader field-wise.
func EncodeOutHeader(dst []byte, h *OutHeader) error {
	if len(dst) < int(unsafeSizeofOutHeader) {
		return fmt.Errorf("fuse: EncodeOutHeader: dst too small: %d < %d", len(dst), unsafeSizeofOutHeader)
	}
	binary.LittleEndian.PutUint32(dst[0:4], h.Len)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(h.Error))
	binary.LittleEndian.PutUint64(dst[8:16], h.Unique)
	return nil
}

// DecodeOutHeader parses an OutHeader out of src.
func DecodeOutHeader(src []byte) (*OutHeader, error) {
	if len(src) < int(unsafeSizeofOutHeader) {
		return nil, fmt.Errorf("fuse: DecodeOutHeader: src too small: %d < %d", len(src), unsafeSizeofOutHeader)
	}
	return &OutHeader{
		Len:    binary.LittleEndian.Uint32(src[0:4]),
		Error:  int32(binary.LittleEndian.Uint32(src[4:8])),
		Unique: binary.LittleEndian.Uint64(src[8:16]),
	}, nil
}

const (
	unsafeSizeofInHeader  = 40
	unsafeSizeofOutHeader = 16
)

// EncodeBody serializes any fixed-layout op struct (InitIn, MkdirIn,
// WriteIn, ...) into a byte slice. Every struct in types.go is a flat
// run of uint32/uint64 fields with no implicit compiler padding, so
// binary.Write's reflection-based encoder produces the exact wire
// layout without a hand-written Put call per field per struct; that
// hand-written discipline is kept for the two header types above,
// which sit on every request's hot path and are worth pinning exactly
// the way go-ublk pins its control-plane structs.
func EncodeBody(body any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, body); err != nil {
		return nil, fmt.Errorf("fuse: EncodeBody: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBody parses src into the fixed-layout struct pointed to by out.
func DecodeBody(src []byte, out any) error {
	if err := binary.Read(bytes.NewReader(src), binary.LittleEndian, out); err != nil {
		return fmt.Errorf("fuse: DecodeBody: %w", err)
	}
	return nil
}

// PadName returns the number of padding bytes required so that
// NamePadding divides (len(name) + 1 + padding), covering the
// trailing NUL the name payload always carries (spec.md §4.3).
func PadName(nameLen int) int {
	total := nameLen + 1
	rem := total % NamePadding
	if rem == 0 {
		return 0
	}
	return NamePadding - rem
}

// EncodeName writes name followed by a NUL terminator and, under
// PadAligned, zero padding up to the next NamePadding boundary.
// PadMinimal writes only the single trailing NUL required to terminate
// the string, matching virtiofsd's looser peers that don't bother
// padding name payloads to an alignment boundary.
func EncodeName(name string, mode PaddingMode) []byte {
	if mode == PadMinimal {
		out := make([]byte, len(name)+1)
		copy(out, name)
		return out
	}
	pad := PadName(len(name))
	out := make([]byte, len(name)+1+pad)
	copy(out, name)
	// out[len(name)] and the pad bytes are already zero from make().
	return out
}

// DecodeName extracts a NUL-terminated name from payload. Both modes
// truncate at the first NUL; PadAligned additionally requires every
// byte after it be zero, rejecting a payload whose claimed alignment
// padding isn't actually zero-filled. PadMinimal skips that check,
// tolerating peers that send a bare name+NUL with no padding at all
// (spec.md §9's interop resolution (b)).
func DecodeName(payload []byte, mode PaddingMode) (string, error) {
	idx := bytes.IndexByte(payload, 0)
	if idx < 0 {
		return "", fmt.Errorf("fuse: DecodeName: no NUL terminator in %d-byte payload", len(payload))
	}
	if mode == PadAligned {
		for _, b := range payload[idx:] {
			if b != 0 {
				return "", fmt.Errorf("fuse: DecodeName: non-zero byte after NUL terminator in padded payload")
			}
		}
	}
	return string(payload[:idx]), nil
}
