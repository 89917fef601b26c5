package vfs

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/rudis/gpgfs/internal/atom"
	"github.com/rudis/gpgfs/internal/gpgfserr"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	tr := New(0755, 1000)
	a := NewFile("ab/abcd1234")
	a.Size = 42
	tr.Root.AddChild("a.txt", a)

	sub := NewDirectory(0700, 1001)
	sub.AddChild("b.txt", NewFile("cd/ef567890"))
	tr.Root.AddChild("sub", sub)

	data := Serialize(tr)
	got, err := Parse(data)
	require.NoError(t, err)

	if diff := cmp.Diff(tr, got, cmp.AllowUnexported(Entry{})); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSerializeEmptyTree(t *testing.T) {
	tr := New(0755, 1000)
	data := Serialize(tr)
	got, err := Parse(data)
	require.NoError(t, err)
	require.True(t, got.Root.IsDir())
	require.Empty(t, got.Root.Children)
}

func TestSerializeIdempotent(t *testing.T) {
	tr := New(0755, 1000)
	tr.Root.Children["z"] = NewFile("11/2222222222")
	tr.Root.Children["a"] = NewFile("33/4444444444")

	first := Serialize(tr)
	second := Serialize(tr)
	require.Equal(t, first, second)
}

func TestParseBadMagic(t *testing.T) {
	_, err := Parse([]byte("NOTGPGFS"))
	require.ErrorIs(t, err, gpgfserr.ErrIndexParse)
}

func TestParseTruncated(t *testing.T) {
	tr := New(0755, 1000)
	tr.Root.Children["f"] = NewFile("aa/bbbbbbbbbb")
	data := Serialize(tr)
	_, err := Parse(data[:len(data)-3])
	require.ErrorIs(t, err, gpgfserr.ErrIndexParse)
}

func TestParseInvalidUTF8Key(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	atom.Write(&buf, nil)

	var rootRec bytes.Buffer
	atom.WriteString(&rootRec, "type")
	rootRec.WriteByte(tagInt)
	rootRec.Write([]byte{byte(Directory), 0, 0, 0})
	atom.WriteString(&rootRec, "st_mode")
	rootRec.WriteByte(tagInt)
	rootRec.Write([]byte{0xed, 1, 0, 0})
	atom.WriteString(&rootRec, "st_mtime")
	rootRec.WriteByte(tagInt)
	rootRec.Write([]byte{0, 0, 0, 0})
	atom.WriteString(&rootRec, "st_ctime")
	rootRec.WriteByte(tagInt)
	rootRec.Write([]byte{0, 0, 0, 0})
	atom.WriteString(&rootRec, "children")
	rootRec.WriteByte(tagDict)
	atom.Write(&buf, rootRec.Bytes())

	var childrenRec bytes.Buffer
	atom.Write(&childrenRec, []byte{0xff, 0xfe, 0xfd}) // invalid UTF-8 key
	childrenRec.WriteByte(tagFile)
	atom.Write(&buf, childrenRec.Bytes())

	_, err := Parse(buf.Bytes())
	require.ErrorIs(t, err, gpgfserr.ErrIndexParse)
}
