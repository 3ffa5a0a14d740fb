package wire

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestFixed(t *testing.T) {
	assert.Equal(t, 3, FixedInt(3).Int())
	assert.Equal(t, Fixed(256), FixedInt(1))
	assert.InDelta(t, -1.5, FixedFloat(-1.5).Float(), 1e-9)
	assert.InDelta(t, 10.25, FixedFloat(10.25).Float(), 1e-9)
}

func TestMessageDecodeErrors(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		m := NewMessage(1, 0, []byte{1, 0})
		m.Uint()
		assert.ErrorIs(t, m.Err(), ErrShortMessage)
	})

	t.Run("unterminated string", func(t *testing.T) {
		b := NewBuilder(1, 0).PutUint(4)
		b.data = append(b.data, 'a', 'b', 'c', 'd')
		m := NewMessage(1, 0, b.Body())
		assert.Equal(t, "", m.String())
		assert.Error(t, m.Err())
	})

	t.Run("trailing bytes", func(t *testing.T) {
		m := NewMessage(1, 0, NewBuilder(1, 0).PutUint(1).PutUint(2).Body())
		m.Uint()
		assert.Error(t, m.Done())
	})

	t.Run("fd without connection", func(t *testing.T) {
		m := NewMessage(1, 0, nil)
		assert.Nil(t, m.FD())
		assert.ErrorIs(t, m.Err(), ErrNoFD)
	})
}

func TestFillStopsAtReadLimit(t *testing.T) {
	a, b, err := Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()
	b.SetReadLimit(1)

	const count = 2000
	for i := range count {
		require.NoError(t, a.Write(NewBuilder(uint32(i+1), 0)))
	}
	require.NoError(t, a.Flush())

	total := 0
	for range 10 {
		require.NoError(t, b.Fill())
		assert.LessOrEqual(t, len(b.in), MaxMessageSize)
		for {
			msg, err := b.Next()
			require.NoError(t, err)
			if msg == nil {
				break
			}
			total++
		}
	}
	assert.Equal(t, count, total)
}

func TestConnRoundTripWithFD(t *testing.T) {
	a, b, err := Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	f, err := os.CreateTemp(t.TempDir(), "pool")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("pixels")
	require.NoError(t, err)

	msg := NewBuilder(7, 3).
		PutString("wl_compositor").
		PutInt(-4).
		PutFixed(FixedFloat(2.5)).
		PutArray([]byte{1, 2, 3}).
		PutFD(int(f.Fd()))
	require.NoError(t, a.Write(msg))
	require.NoError(t, a.Write(NewBuilder(7, 4)))
	require.NoError(t, a.Flush())
	assert.False(t, a.Pending())

	require.NoError(t, b.Fill())

	got, err := b.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint32(7), got.Sender)
	assert.Equal(t, uint16(3), got.Opcode)
	assert.Equal(t, "wl_compositor", got.String())
	assert.Equal(t, int32(-4), got.Int())
	assert.InDelta(t, 2.5, got.Fixed().Float(), 1e-9)
	assert.Equal(t, []byte{1, 2, 3}, got.Array())

	passed := got.FD()
	require.NotNil(t, passed)
	defer passed.Close()
	require.NoError(t, got.Done())

	data := make([]byte, 6)
	_, err = passed.ReadAt(data, 0)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	second, err := b.Next()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, uint16(4), second.Opcode)
	assert.Equal(t, 8, second.Size())

	none, err := b.Next()
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestConnPartialMessage(t *testing.T) {
	a, b, err := Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	full := NewBuilder(1, 1).PutUint(42).Bytes()
	_, err = unix.Write(a.Fd(), full[:6])
	require.NoError(t, err)

	require.NoError(t, b.Fill())
	msg, err := b.Next()
	require.NoError(t, err)
	assert.Nil(t, msg)

	_, err = unix.Write(a.Fd(), full[6:])
	require.NoError(t, err)
	require.NoError(t, b.Fill())
	msg, err = b.Next()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, uint32(42), msg.Uint())
}

func TestConnEOF(t *testing.T) {
	a, b, err := Pair()
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Close())
	assert.ErrorIs(t, b.Fill(), io.EOF)
}

func TestConnRejectsBadSize(t *testing.T) {
	a, b, err := Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	bad := NewBuilder(1, 0).Bytes()
	byteOrder.PutUint32(bad[4:], 3<<16)
	_, err = unix.Write(a.Fd(), bad)
	require.NoError(t, err)

	require.NoError(t, b.Fill())
	_, err = b.Next()
	assert.Error(t, err)
}

func TestListenPicksFreeName(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	first, err := Listen("")
	require.NoError(t, err)
	defer first.Close()
	assert.Equal(t, "wayland-0", first.Name())
	assert.Equal(t, filepath.Join(dir, "wayland-0"), first.Path())

	second, err := Listen("")
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, "wayland-1", second.Name())

	conn, err := first.Accept()
	require.NoError(t, err)
	assert.Nil(t, conn)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	require.NoError(t, unix.Connect(fd, &unix.SockaddrUnix{Name: first.Path()}))

	conn, err = first.Accept()
	require.NoError(t, err)
	require.NotNil(t, conn)
	conn.Close()
}
