package torch_loader

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// _Pickler assembles protocol 2 pickle streams as written by torch.save.
type _Pickler struct {
	bytes.Buffer
}

func (p *_Pickler) op(b ...byte) {
	p.Write(b)
}

func (p *_Pickler) str(s string) {
	p.WriteByte('X')
	_ = binary.Write(&p.Buffer, binary.LittleEndian, uint32(len(s)))
	p.WriteString(s)
}

func (p *_Pickler) int(v int64) {
	p.WriteByte('J')
	_ = binary.Write(&p.Buffer, binary.LittleEndian, int32(v))
}

func (p *_Pickler) global(module, name string) {
	p.WriteByte('c')
	p.WriteString(module + "\n" + name + "\n")
}

func (p *_Pickler) tuple(vs []int64) {
	p.op('(')
	for _, v := range vs {
		p.int(v)
	}
	p.op('t')
}

func (p *_Pickler) orderedDict() {
	p.global("collections", "OrderedDict")
	p.op(')', 'R')
}

// _TestTensor is one tensor of a pickled state dict.
type _TestTensor struct {
	Key     string
	Storage string
	Member  string
	Numel   int64
	Offset  int64
	Size    []int64
	Stride  []int64
	Param   bool
}

func contiguous(size []int64) []int64 {
	stride := make([]int64, len(size))
	acc := int64(1)
	for i := len(size) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= size[i]
	}
	return stride
}

func (p *_Pickler) tensor(tt _TestTensor) {
	if tt.Param {
		p.global("torch._utils", "_rebuild_parameter")
		p.op('(')
	}

	p.global("torch._utils", "_rebuild_tensor_v2")
	p.op('(')
	{
		p.op('(')
		p.str("storage")
		p.global("torch", tt.Storage)
		p.str(tt.Member)
		p.str("cpu")
		p.int(tt.Numel)
		p.op('t', 'Q')
	}
	p.int(tt.Offset)
	p.tuple(tt.Size)
	stride := tt.Stride
	if stride == nil {
		stride = contiguous(tt.Size)
	}
	p.tuple(stride)
	p.op(0x89)
	p.orderedDict()
	p.op('t', 'R')

	if tt.Param {
		p.op(0x88)
		p.orderedDict()
		p.op('t', 'R')
	}
}

// pickleStateDict returns the pickled OrderedDict of the given tensors.
func pickleStateDict(ts ..._TestTensor) []byte {
	var p _Pickler
	p.op(0x80, 2)
	p.orderedDict()
	p.op('(')
	for _, tt := range ts {
		p.str(tt.Key)
		p.tensor(tt)
	}
	p.op('u', '.')
	return p.Bytes()
}

// zipArchive returns a torch.save zip with the given metadata and members.
func zipArchive(t testing.TB, subdir string, meta []byte, members map[string][]byte) []byte {
	t.Helper()
	return zipArchiveWith(t, zip.Store, subdir, meta, members)
}

// zipArchiveWith is zipArchive with the given compression method for every entry.
func zipArchiveWith(t testing.TB, method uint16, subdir string, meta []byte, members map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(name string, data []byte) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}

	write(subdir+"/data.pkl", meta)
	names := make([]string, 0, len(members))
	for n := range members {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		write(subdir+"/data/"+n, members[n])
	}
	write(subdir+"/version", []byte("3\n"))
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// openTestArchive builds an archive named "<subdir>.pth" in memory.
func openTestArchive(t testing.TB, subdir string, meta []byte, members map[string][]byte) *Archive {
	t.Helper()
	return openTestArchiveWith(t, zip.Store, subdir, meta, members)
}

func openTestArchiveWith(t testing.TB, method uint16, subdir string, meta []byte, members map[string][]byte) *Archive {
	t.Helper()

	bs := zipArchiveWith(t, method, subdir, meta, members)
	a, err := NewArchive(subdir+".pth", bytes.NewReader(bs), int64(len(bs)))
	require.NoError(t, err)
	return a
}

// zipMethods are the entry compressions the loader tests run with,
// deflated entries are not seekable.
var zipMethods = []struct {
	name   string
	method uint16
}{
	{"stored", zip.Store},
	{"deflated", zip.Deflate},
}

// sequence returns n bytes counting from start.
func sequence(start byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = start + byte(i)
	}
	return b
}

func TestArchive_Entries(t *testing.T) {
	meta := pickleStateDict(_TestTensor{Key: "w", Storage: "HalfStorage", Member: "0", Numel: 4, Size: []int64{4}})
	a := openTestArchive(t, "consolidated.00", meta, map[string][]byte{
		"1": sequence(0, 8),
		"0": sequence(0, 8),
	})
	defer func() { _ = a.Close() }()

	assert.Equal(t, "consolidated.00", a.Subdirectory())

	me, err := a.MetadataEntry()
	require.NoError(t, err)
	assert.Equal(t, "consolidated.00/data.pkl", me.Name)

	es := a.DataEntries()
	require.Len(t, es, 2)
	assert.Equal(t, "0", MemberName(es[0]))
	assert.Equal(t, "1", MemberName(es[1]))

	f, ok := a.DataEntry("1")
	require.True(t, ok)
	rc, err := a.Open(f)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	buf := make([]byte, 8)
	require.NoError(t, readExact(rc, buf))
	assert.Equal(t, sequence(0, 8), buf)

	_, ok = a.DataEntry("2")
	assert.False(t, ok)
}

func TestArchive_SubdirectoryFallback(t *testing.T) {
	bs := zipArchive(t, "archive", pickleStateDict(), nil)
	a, err := NewArchive("/models/pytorch_model.bin", bytes.NewReader(bs), int64(len(bs)))
	require.NoError(t, err)
	assert.Equal(t, "archive", a.Subdirectory())
}

func TestArchive_Corrupt(t *testing.T) {
	bs := []byte("not a zip archive")
	_, err := NewArchive("x.pth", bytes.NewReader(bs), int64(len(bs)))
	assert.ErrorIs(t, err, ErrCorruptArchive)

	bs = zipArchive(t, "other", nil, nil)
	a, err := NewArchive("x.pth", bytes.NewReader(bs), int64(len(bs)))
	require.NoError(t, err)
	_, err = a.DecodeMetadata(PickleMetadataDecoder{})
	assert.ErrorIs(t, err, ErrCorruptArchive)
}

func TestOpenArchive(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "model.pth")
	meta := pickleStateDict(_TestTensor{Key: "w", Storage: "FloatStorage", Member: "0", Numel: 2, Size: []int64{2}})
	require.NoError(t, os.WriteFile(p, zipArchive(t, "model", meta, map[string][]byte{"0": sequence(1, 8)}), 0o600))

	for _, opts := range [][]LoadOption{nil, {UseMMap()}} {
		a, err := OpenArchive(p, opts...)
		require.NoError(t, err)
		assert.False(t, a.ModTime().IsZero())

		tds, err := a.DecodeMetadata(PickleMetadataDecoder{})
		require.NoError(t, err)
		assert.Equal(t, ElementTypeFP32, tds["w"].ElementType())
		require.NoError(t, a.Close())
		require.NoError(t, a.Close())
	}

	_, err := OpenArchive(filepath.Join(dir, "absent.pth"))
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestArchive_DecodeMetadata_Model(t *testing.T) {
	mp, ok := os.LookupEnv("TEST_MODEL_PATH")
	if !ok {
		t.Skip("TEST_MODEL_PATH is not set")
		return
	}

	a, err := OpenArchive(mp, UseMMap())
	if err != nil {
		t.Fatal(err)
		return
	}
	defer func() { _ = a.Close() }()

	tds, err := a.DecodeMetadata(PickleMetadataDecoder{})
	if err != nil {
		t.Fatal(err)
		return
	}

	t.Log("\n", spew.Sdump(tds), "\n")
}
