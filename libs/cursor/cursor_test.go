package cursor

import (
	"net/url"
	"testing"

	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	c := Encode("txn-123")
	id, err := Decode(c)
	require.NoError(t, err)
	assert.Equal(t, "txn-123", id)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("not base64!!")
	assert.Equal(t, errorutils.KindValidation, errorutils.KindOf(err))

	// valid base64 without the cursor prefix is still invalid
	_, err = Decode("dHhuLTEyMw==")
	assert.Equal(t, errorutils.KindValidation, errorutils.KindOf(err))
}

func TestPageArgsLimit(t *testing.T) {
	intp := func(n int) *int { return &n }

	assert.Equal(t, 20, PageArgs{}.Limit(20, 100))
	assert.Equal(t, 50, PageArgs{First: intp(50)}.Limit(20, 100))
	assert.Equal(t, 100, PageArgs{First: intp(500)}.Limit(20, 100))
	assert.Equal(t, 20, PageArgs{First: intp(0)}.Limit(20, 100))
	assert.Equal(t, 10, PageArgs{Last: intp(10)}.Limit(20, 100))
}

func TestPageArgsValidate(t *testing.T) {
	intp := func(n int) *int { return &n }

	assert.NoError(t, PageArgs{First: intp(5)}.Validate())
	assert.Error(t, PageArgs{First: intp(5), Last: intp(5)}.Validate())
	assert.Error(t, PageArgs{First: intp(-1)}.Validate())
	assert.Error(t, PageArgs{Last: intp(-1)}.Validate())
}

func TestFromQuery(t *testing.T) {
	args, err := FromQuery(url.Values{"first": {"10"}, "after": {Encode("b")}})
	require.NoError(t, err)
	require.NotNil(t, args.First)
	assert.Equal(t, 10, *args.First)
	require.NotNil(t, args.After)

	_, err = FromQuery(url.Values{"first": {"ten"}})
	assert.Equal(t, errorutils.KindValidation, errorutils.KindOf(err))

	_, err = FromQuery(url.Values{"first": {"5"}, "last": {"5"}})
	assert.Equal(t, errorutils.KindValidation, errorutils.KindOf(err))

	args, err = FromQuery(url.Values{})
	require.NoError(t, err)
	assert.Nil(t, args.First)
	assert.Nil(t, args.Last)
}

func TestWindow(t *testing.T) {
	nodes := []string{"a", "b", "c", "d", "e"}
	id := func(s string) string { return s }
	strp := func(s string) *string { return &s }

	// first page
	window, hasNext, hasPrev, err := Window(nodes, id, PageArgs{}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, window)
	assert.True(t, hasNext)
	assert.False(t, hasPrev)

	// forward from a cursor
	window, hasNext, hasPrev, err = Window(nodes, id, PageArgs{After: strp(Encode("b"))}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, window)
	assert.True(t, hasNext)
	assert.True(t, hasPrev)

	// final page is short
	window, hasNext, _, err = Window(nodes, id, PageArgs{After: strp(Encode("d"))}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"e"}, window)
	assert.False(t, hasNext)

	// backward from a cursor takes the trailing slice
	last := 2
	window, _, hasPrev, err = Window(nodes, id, PageArgs{Last: &last, Before: strp(Encode("d"))}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, window)
	assert.True(t, hasPrev)

	// an invalid cursor is rejected, not silently ignored
	_, _, _, err = Window(nodes, id, PageArgs{After: strp("junk")}, 2)
	assert.Equal(t, errorutils.KindValidation, errorutils.KindOf(err))

	// an unknown cursor positions the window at the list edge
	window, _, _, err = Window(nodes, id, PageArgs{After: strp(Encode("zz"))}, 10)
	require.NoError(t, err)
	assert.Equal(t, nodes, window)
}

func TestNewConnection(t *testing.T) {
	type row struct{ ID string }
	nodes := []row{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	conn := NewConnection(nodes, func(r row) string { return r.ID }, true, false, 9)

	require.Len(t, conn.Edges, 3)
	assert.Equal(t, int64(9), conn.TotalCount)
	assert.True(t, conn.PageInfo.HasNextPage)
	assert.False(t, conn.PageInfo.HasPreviousPage)
	assert.Equal(t, conn.Edges[0].Cursor, conn.PageInfo.StartCursor)
	assert.Equal(t, conn.Edges[2].Cursor, conn.PageInfo.EndCursor)

	id, err := Decode(conn.Edges[1].Cursor)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestNewConnectionEmpty(t *testing.T) {
	conn := NewConnection(nil, func(s string) string { return s }, false, false, 0)
	assert.Empty(t, conn.Edges)
	assert.Empty(t, conn.PageInfo.StartCursor)
	assert.Empty(t, conn.PageInfo.EndCursor)
}
