package oriental

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/stage-motors/internal/errors"
	"github.com/wfunc/stage-motors/internal/hardware/oriental/orientaltest"
	"github.com/wfunc/stage-motors/internal/hardware/serial"
	"github.com/wfunc/stage-motors/internal/hardware/serial/serialtest"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.QueryDelay = 0
	cfg.PollInterval = 0
	return cfg
}

// newTestAxis 构造一个连接到模拟控制器的轴
func newTestAxis(t *testing.T, name string, dev *orientaltest.Device) (*Axis, *serialtest.Port) {
	t.Helper()
	port := serialtest.NewPort(dev.Respond)
	bus := NewBus(fastConfig(), WithOpener(func(path string) (*serial.Link, error) {
		return serial.NewLink(path, port), nil
	}))
	return bus.NewAxis(name, "/dev/tty"+name), port
}

func TestConnectNegotiatesLabel(t *testing.T) {
	dev := orientaltest.New('1')
	axis, port := newTestAxis(t, "X", dev)

	require.NoError(t, axis.Connect())
	assert.True(t, axis.Connected())
	assert.Equal(t, byte('1'), axis.Label())
	assert.Equal(t, "EZS2 V1.05", axis.FirmwareVersion())
	assert.Equal(t, []string{"@0\n", "@0\n", "@1\n", "@1ver\n"}, port.Writes())

	// 已连接时不再协商
	require.NoError(t, axis.Connect())
	assert.Len(t, port.Writes(), 4)
}

func TestConnectNoDevice(t *testing.T) {
	dev := orientaltest.New('1')
	dev.SetSilent(true)
	axis, port := newTestAxis(t, "X", dev)

	err := axis.Connect()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProtocol))
	assert.Contains(t, err.Error(), "no device responding")
	assert.False(t, axis.Connected())
	assert.True(t, port.Closed())
	assert.Equal(t, []string{"@0\n", "@0\n", "@1\n", "@1\n"}, port.Writes())
}

func TestCommandBeforeConnect(t *testing.T) {
	dev := orientaltest.New('0')
	axis, port := newTestAxis(t, "X", dev)

	_, err := axis.Position()
	assert.True(t, errors.Is(err, errors.ErrProtocol))
	_, err = axis.MoveAbsolute(10, true)
	assert.True(t, errors.Is(err, errors.ErrProtocol))
	assert.Empty(t, port.Writes())
}

func TestPosition(t *testing.T) {
	dev := orientaltest.New('0')
	dev.SetPosition(12.5)
	axis, _ := newTestAxis(t, "X", dev)
	require.NoError(t, axis.Connect())

	pos, err := axis.Position()
	require.NoError(t, err)
	assert.InDelta(t, 12.5, pos, 1e-9)

	dev.SetPosition(-3.25)
	pos, err = axis.Position()
	require.NoError(t, err)
	assert.InDelta(t, -3.25, pos, 1e-9)
}

func TestMalformedReply(t *testing.T) {
	dev := orientaltest.New('0')
	axis, _ := newTestAxis(t, "X", dev)
	require.NoError(t, axis.Connect())

	dev.SetGarbled(true)
	_, err := axis.Position()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProtocol))
}

func TestStripPrompt(t *testing.T) {
	body, err := stripPrompt("PF= 1.000 mm\r\n0>")
	require.NoError(t, err)
	assert.Equal(t, "PF= 1.000 mm", body)

	body, err = stripPrompt("\r\n0>")
	require.NoError(t, err)
	assert.Empty(t, body)

	_, err = stripPrompt("")
	assert.True(t, errors.Is(err, errors.ErrProtocol))
	_, err = stripPrompt("0>")
	assert.True(t, errors.Is(err, errors.ErrProtocol))
}

func TestParsePosition(t *testing.T) {
	pos, err := parsePosition("PF= 500.000 mm")
	require.NoError(t, err)
	assert.Equal(t, 500.0, pos)

	_, err = parsePosition("PF=")
	assert.True(t, errors.Is(err, errors.ErrProtocol))
	_, err = parsePosition("PF= ?? mm")
	assert.True(t, errors.Is(err, errors.ErrProtocol))
}

func TestInitStartsHoming(t *testing.T) {
	dev := orientaltest.New('0')
	axis, port := newTestAxis(t, "Y", dev)
	require.NoError(t, axis.Connect())

	require.NoError(t, axis.Init(600))

	writes := port.Writes()
	require.GreaterOrEqual(t, len(writes), 2)
	assert.Equal(t, "HOMETYP=12; ECHO=0; LIMP=600; LIMN=0; SLACT=1; VS=1; VR=100; TA=3; TD=3\n", writes[len(writes)-2])
	assert.Equal(t, "MGHP\n", writes[len(writes)-1])
}

func TestHomeWaitsForNegativeThenZero(t *testing.T) {
	dev := orientaltest.New('0')
	dev.SetScript(0, -5, -1, 0)
	axis, _ := newTestAxis(t, "X", dev)
	require.NoError(t, axis.Connect())

	require.NoError(t, axis.Home(true))

	// 第一次读到0时尚未越过原点，不能结束
	assert.Equal(t, 4, dev.Count("PF\n"))
}

func TestMoveAbsoluteWaits(t *testing.T) {
	dev := orientaltest.New('0')
	dev.SetScript(100, 300, 500.2)
	axis, port := newTestAxis(t, "X", dev)
	require.NoError(t, axis.Connect())

	pos, err := axis.MoveAbsolute(500, true)
	require.NoError(t, err)
	assert.InDelta(t, 500.2, pos, 1e-9)
	assert.Contains(t, port.Writes(), "MA 500\n")
}

func TestMoveAbsoluteNoWait(t *testing.T) {
	dev := orientaltest.New('0')
	axis, port := newTestAxis(t, "X", dev)
	require.NoError(t, axis.Connect())

	pos, err := axis.MoveAbsolute(250, false)
	require.NoError(t, err)
	assert.Equal(t, 0.0, pos)
	assert.NotContains(t, port.Writes(), "PF\n")
}

func TestMoveRelativeWaits(t *testing.T) {
	dev := orientaltest.New('0')
	dev.SetPosition(100)
	axis, port := newTestAxis(t, "X", dev)
	require.NoError(t, axis.Connect())

	pos, err := axis.MoveRelative(10, true)
	require.NoError(t, err)
	assert.InDelta(t, 110, pos, 1e-9)
	assert.Contains(t, port.Writes(), "DIS=10 ; MI\n")
}

func TestResetStopMoving(t *testing.T) {
	dev := orientaltest.New('0')
	dev.SetMoving(1)
	axis, port := newTestAxis(t, "X", dev)
	require.NoError(t, axis.Connect())

	reply, err := axis.Reset()
	require.NoError(t, err)
	assert.Equal(t, "RESET OK", reply)

	moving, err := axis.Moving()
	require.NoError(t, err)
	assert.True(t, moving)
	moving, err = axis.Moving()
	require.NoError(t, err)
	assert.False(t, moving)

	_, err = axis.Stop()
	require.NoError(t, err)
	assert.Contains(t, port.Writes(), "MSTOP\n")

	version, err := axis.Version()
	require.NoError(t, err)
	assert.Equal(t, "EZS2 V1.05", version)
}

func TestCloseAllowsReconnect(t *testing.T) {
	dev := orientaltest.New('0')
	axis, port := newTestAxis(t, "X", dev)
	require.NoError(t, axis.Connect())

	require.NoError(t, axis.Close())
	assert.False(t, axis.Connected())
	assert.Equal(t, byte(0), axis.Label())
	assert.True(t, port.Closed())
	require.NoError(t, axis.Close())
}

// 同一总线上两个轴的命令不会交错：一条命令写出后，下一条记录必定是它自己的应答结束
func TestBusSerializesAxes(t *testing.T) {
	journal := &serialtest.Journal{}
	ports := map[string]*serialtest.Port{}
	devs := map[string]*orientaltest.Device{"X": orientaltest.New('0'), "Y": orientaltest.New('1')}
	for name, dev := range devs {
		name := name
		port := serialtest.NewPort(dev.Respond)
		port.OnWrite = func(string) {
			journal.Add(name + ":write")
			time.Sleep(time.Millisecond)
		}
		port.OnIdle = func() { journal.Add(name + ":idle") }
		ports["/dev/tty"+name] = port
	}

	bus := NewBus(fastConfig(), WithOpener(func(path string) (*serial.Link, error) {
		return serial.NewLink(path, ports[path]), nil
	}))
	x := bus.NewAxis("X", "/dev/ttyX")
	y := bus.NewAxis("Y", "/dev/ttyY")
	require.NoError(t, x.Connect())
	require.NoError(t, y.Connect())

	var wg sync.WaitGroup
	for _, axis := range []*Axis{x, y} {
		wg.Add(1)
		go func(a *Axis) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := a.Position()
				assert.NoError(t, err)
			}
		}(axis)
	}
	wg.Wait()

	entries := journal.Entries()
	for i, e := range entries {
		if strings.HasSuffix(e, ":write") {
			require.Less(t, i+1, len(entries))
			owner := strings.TrimSuffix(e, ":write")
			assert.Equal(t, owner+":idle", entries[i+1], "entry %d interleaved", i)
		}
	}
}
