//go:build linux

package serial

import (
	"os"

	"golang.org/x/sys/unix"
)

// termiosGuard 持有一个独立的fd，用于在关闭前写回打开时的termios
type termiosGuard struct {
	f     *os.File
	saved *unix.Termios
}

func saveLineState(name string) (lineState, error) {
	f, err := os.OpenFile(name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &termiosGuard{f: f, saved: t}, nil
}

func (g *termiosGuard) restore() error {
	return unix.IoctlSetTermios(int(g.f.Fd()), unix.TCSETS, g.saved)
}

func (g *termiosGuard) release() {
	g.f.Close()
}
