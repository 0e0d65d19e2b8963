package serial_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/stage-motors/internal/errors"
	"github.com/wfunc/stage-motors/internal/hardware/serial"
	"github.com/wfunc/stage-motors/internal/hardware/serial/serialtest"
)

func TestReadUntilIdle(t *testing.T) {
	port := serialtest.NewPort(func(cmd string) string {
		if cmd == "1 npos " {
			return "12.500000 \r\n"
		}
		return ""
	})
	link := serial.NewLink("/dev/fake", port)

	require.NoError(t, link.WriteString("1 npos "))
	data, err := link.ReadUntilIdle()
	require.NoError(t, err)
	assert.Equal(t, "12.500000 \r\n", string(data))

	// 无数据时返回空应答而不是错误
	data, err = link.ReadUntilIdle()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestFlushDropsPendingInput(t *testing.T) {
	port := serialtest.NewPort(nil)
	port.Inject("stale")
	link := serial.NewLink("/dev/fake", port)

	require.NoError(t, link.Flush())
	data, err := link.ReadUntilIdle()
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, 1, port.Flushes())
}

func TestTransportErrors(t *testing.T) {
	t.Run("write failure", func(t *testing.T) {
		port := serialtest.NewPort(nil)
		port.FailWrites(fmt.Errorf("input/output error"))
		err := serial.NewLink("/dev/fake", port).WriteString("PF\n")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTransport))
	})

	t.Run("short write", func(t *testing.T) {
		port := serialtest.NewPort(nil)
		port.ShortWrites(1)
		err := serial.NewLink("/dev/fake", port).WriteString("PF\n")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTransport))
		assert.Contains(t, err.Error(), "short write")
	})

	t.Run("read failure", func(t *testing.T) {
		port := serialtest.NewPort(nil)
		port.FailReads(fmt.Errorf("device disconnected"))
		_, err := serial.NewLink("/dev/fake", port).ReadUntilIdle()
		assert.True(t, errors.Is(err, errors.ErrTransport))
	})

	t.Run("open missing device", func(t *testing.T) {
		_, err := serial.Open(serial.Config{
			Name:     filepath.Join(t.TempDir(), "ttyUSB9"),
			BaudRate: 9600,
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTransport))
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	port := serialtest.NewPort(nil)
	link := serial.NewLink("/dev/fake", port)

	require.NoError(t, link.Close())
	require.NoError(t, link.Close())
	assert.True(t, port.Closed())

	err := link.WriteString("PF\n")
	assert.True(t, errors.Is(err, errors.ErrTransport))
	_, err = link.ReadUntilIdle()
	assert.True(t, errors.Is(err, errors.ErrTransport))
}

func TestScanFloat(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"  12.345 mm", 12.345, true},
		{"-3.5\r\n", -3.5, true},
		{"2.50000 ", 2.5, true},
		{"12.5e", 12.5, true},
		{"1e-3x", 0.001, true},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, ok := serial.ScanFloat(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.InDelta(t, tc.want, got, 1e-12, tc.in)
	}
}

func TestScanInt(t *testing.T) {
	v, ok := serial.ScanInt(" 4030163\r\n")
	assert.True(t, ok)
	assert.Equal(t, 4030163, v)

	v, ok = serial.ScanInt("1004 ")
	assert.True(t, ok)
	assert.Equal(t, 1004, v)

	_, ok = serial.ScanInt("-")
	assert.False(t, ok)
	_, ok = serial.ScanInt("")
	assert.False(t, ok)
}
