// Package serial provides the raw-mode character link both controller
// families talk over. A reply ends at the first idle gap on the line.
package serial

import (
	"io"
	"sync"
	"time"

	tarm "github.com/tarm/serial"
	"github.com/wfunc/stage-motors/internal/errors"
	"github.com/wfunc/stage-motors/internal/logger"
	"go.uber.org/zap"
)

// DefaultIdleTimeout 单字节等待上限，超时即视为一条应答结束
const DefaultIdleTimeout = time.Second

// Port 串口抽象（便于测试时替换）
type Port interface {
	io.ReadWriteCloser
	Flush() error
}

// Config 链路配置
type Config struct {
	Name        string        // 设备路径
	BaudRate    int           // 9600 / 19200
	IdleTimeout time.Duration // 单字节等待时间
	Settle      time.Duration // 打开后等待控制器就绪
}

// Link 一条独占的串口链路
type Link struct {
	name   string
	port   Port
	saved  lineState
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Open 打开设备，保存原线路设置并切换到原始模式
func Open(cfg Config) (*Link, error) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	saved, err := saveLineState(cfg.Name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrTransport, "save line settings of %s", cfg.Name)
	}

	port, err := tarm.OpenPort(&tarm.Config{
		Name:        cfg.Name,
		Baud:        cfg.BaudRate,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
		ReadTimeout: cfg.IdleTimeout,
	})
	if err != nil {
		saved.restore()
		saved.release()
		return nil, errors.Wrapf(err, errors.ErrTransport, "open %s", cfg.Name)
	}

	l := &Link{
		name:   cfg.Name,
		port:   port,
		saved:  saved,
		logger: logger.WithModule("serial"),
	}

	if err := port.Flush(); err != nil {
		l.Close()
		return nil, errors.Wrapf(err, errors.ErrTransport, "flush %s", cfg.Name)
	}

	if cfg.Settle > 0 {
		time.Sleep(cfg.Settle)
	}

	l.logger.Info("串口已打开",
		zap.String("port", cfg.Name),
		zap.Int("baud_rate", cfg.BaudRate))

	return l, nil
}

// NewLink 用已打开的Port构造链路，不涉及线路设置
func NewLink(name string, port Port) *Link {
	return &Link{
		name:   name,
		port:   port,
		saved:  noLineState{},
		logger: logger.WithModule("serial"),
	}
}

// Name 设备路径
func (l *Link) Name() string {
	return l.name
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Write 写入完整命令，短写视为失败
func (l *Link) Write(p []byte) error {
	if l.isClosed() {
		return errors.Newf(errors.ErrTransport, "%s: link closed", l.name)
	}
	n, err := l.port.Write(p)
	if err != nil {
		return errors.Wrapf(err, errors.ErrTransport, "write %q to %s", p, l.name)
	}
	if n != len(p) {
		return errors.Newf(errors.ErrTransport, "short write to %s: %d of %d bytes", l.name, n, len(p))
	}
	return nil
}

// WriteString 写入字符串命令
func (l *Link) WriteString(s string) error {
	return l.Write([]byte(s))
}

// ReadUntilIdle 逐字节读取，直到一次等待超时没有数据
func (l *Link) ReadUntilIdle() ([]byte, error) {
	if l.isClosed() {
		return nil, errors.Newf(errors.ErrTransport, "%s: link closed", l.name)
	}

	var buf []byte
	b := make([]byte, 1)
	for {
		n, err := l.port.Read(b)
		if n > 0 {
			buf = append(buf, b[0])
		}
		switch {
		case err == io.EOF:
			// 读超时（VTIME到期）
			return buf, nil
		case err != nil:
			return buf, errors.Wrapf(err, errors.ErrTransport, "read %s", l.name)
		case n == 0:
			return buf, nil
		}
	}
}

// Flush 丢弃未读和未发送的数据
func (l *Link) Flush() error {
	if l.isClosed() {
		return errors.Newf(errors.ErrTransport, "%s: link closed", l.name)
	}
	if err := l.port.Flush(); err != nil {
		return errors.Wrapf(err, errors.ErrTransport, "flush %s", l.name)
	}
	return nil
}

// Close 恢复原线路设置后关闭，可重复调用
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	restoreErr := l.saved.restore()
	_ = l.port.Flush()
	closeErr := l.port.Close()
	l.saved.release()

	if restoreErr != nil {
		l.logger.Warn("恢复线路设置失败", zap.String("port", l.name), zap.Error(restoreErr))
	}
	if closeErr != nil {
		return errors.Wrapf(closeErr, errors.ErrTransport, "close %s", l.name)
	}

	l.logger.Info("串口已关闭", zap.String("port", l.name))
	return nil
}

type lineState interface {
	restore() error
	release()
}

type noLineState struct{}

func (noLineState) restore() error { return nil }
func (noLineState) release()       {}
