package loopdev

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/virtiofs-driver/fuse"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
)

func submitAndWait(t *testing.T, ring *Ring, op fuse.Opcode, nodeID uint64, body []byte, unique uint64) (*fuse.OutHeader, []byte) {
	t.Helper()
	req := make([]byte, 40+len(body))
	hdr := &fuse.InHeader{Len: uint32(len(req)), Opcode: uint32(op), Unique: unique, NodeID: nodeID}
	require.NoError(t, fuse.EncodeHeader(req, hdr))
	copy(req[40:], body)

	reply := make([]byte, 4096)
	chain := virtio.DescriptorChain{
		Readable: [][]byte{req},
		Writable: [][]byte{reply},
	}
	require.NoError(t, ring.Submit(chain, unique))

	results, err := ring.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	out, err := fuse.DecodeOutHeader(reply)
	require.NoError(t, err)
	return out, reply[16:out.Len]
}

func TestLoopbackInitLookupGetattr(t *testing.T) {
	fs := NewFilesystem()
	ring := NewRing(DefaultDepth, 2, fs)
	defer ring.Close()

	out, body := submitAndWait(t, ring, fuse.INIT, 0, nil, 1)
	require.Equal(t, int32(0), out.Error)
	var initOut fuse.InitOut
	require.NoError(t, fuse.DecodeBody(body, &initOut))
	require.Equal(t, uint32(7), initOut.Major)

	mkdirBody := make([]byte, 8+len("dir")+1)
	mkdirBody[0] = 0xed // mode low byte, arbitrary
	copy(mkdirBody[8:], "dir")
	out, body = submitAndWait(t, ring, fuse.MKDIR, rootIno, mkdirBody, 2)
	require.Equal(t, int32(0), out.Error)
	var entry fuse.EntryOut
	require.NoError(t, fuse.DecodeBody(body, &entry))
	require.NotZero(t, entry.NodeID)

	lookupBody := append([]byte("dir"), 0)
	out, body = submitAndWait(t, ring, fuse.LOOKUP, rootIno, lookupBody, 3)
	require.Equal(t, int32(0), out.Error)
	var looked fuse.EntryOut
	require.NoError(t, fuse.DecodeBody(body, &looked))
	require.Equal(t, entry.NodeID, looked.NodeID)

	out, body = submitAndWait(t, ring, fuse.GETATTR, looked.NodeID, mustEncode(t, &fuse.GetattrIn{}), 4)
	require.Equal(t, int32(0), out.Error)
	var attrOut fuse.AttrOut
	require.NoError(t, fuse.DecodeBody(body, &attrOut))
	require.Equal(t, looked.NodeID, attrOut.Attr.Ino)
}

func TestLoopbackWriteThenRead(t *testing.T) {
	fs := NewFilesystem()
	ring := NewRing(DefaultDepth, 2, fs)
	defer ring.Close()

	createBody := make([]byte, 16+len("file.txt")+1)
	copy(createBody[16:], "file.txt")
	out, body := submitAndWait(t, ring, fuse.CREATE, rootIno, createBody, 1)
	require.Equal(t, int32(0), out.Error)
	var entry fuse.EntryOut
	require.NoError(t, fuse.DecodeBody(body, &entry))

	writeIn := &fuse.WriteIn{Fh: 1, Offset: 0, Size: uint32(len("hello"))}
	writeBody, err := fuse.EncodeBody(writeIn)
	require.NoError(t, err)
	writeBody = append(writeBody, []byte("hello")...)
	out, body = submitAndWait(t, ring, fuse.WRITE, entry.NodeID, writeBody, 2)
	require.Equal(t, int32(0), out.Error)
	var writeOut fuse.WriteOut
	require.NoError(t, fuse.DecodeBody(body, &writeOut))
	require.Equal(t, uint32(5), writeOut.Size)

	readIn := &fuse.ReadIn{Fh: 1, Offset: 0, Size: 100}
	readBody, err := fuse.EncodeBody(readIn)
	require.NoError(t, err)
	out, body = submitAndWait(t, ring, fuse.READ, entry.NodeID, readBody, 3)
	require.Equal(t, int32(0), out.Error)
	require.Equal(t, "hello", string(body))
}

func TestLoopbackLookupMissingReturnsENOENT(t *testing.T) {
	fs := NewFilesystem()
	ring := NewRing(DefaultDepth, 1, fs)
	defer ring.Close()

	lookupBody := append([]byte("nope"), 0)
	out, _ := submitAndWait(t, ring, fuse.LOOKUP, rootIno, lookupBody, 1)
	require.NotEqual(t, int32(0), out.Error)
}

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := fuse.EncodeBody(v)
	require.NoError(t, err)
	return b
}

func TestRingQueueFullReturnsError(t *testing.T) {
	fs := NewFilesystem()
	ring := NewRing(1, 0, fs)
	defer ring.Close()

	chain := virtio.DescriptorChain{}
	require.NoError(t, ring.PrepareChain(chain, 1))
	err := ring.PrepareChain(chain, 2)
	require.ErrorIs(t, err, virtio.ErrQueueFull)
}
