// Package serialtest provides an in-memory serial.Port that answers writes
// through a scripted responder.
package serialtest

import (
	"fmt"
	"io"
	"sync"
)

// Responder 根据写入的命令返回设备应答（可为空）
type Responder func(cmd string) string

// Port 模拟串口
type Port struct {
	mu       sync.Mutex
	respond  Responder
	pending  []byte
	writes   []string
	flushes  int
	closed   bool
	writeErr error
	readErr  error
	shortBy  int

	// OnWrite 每次写入后调用（在锁外），用于跨端口记录时序
	OnWrite func(cmd string)
	// OnIdle 读到空闲（一条应答结束）时调用
	OnIdle func()
}

// NewPort 创建模拟串口
func NewPort(respond Responder) *Port {
	return &Port{respond: respond}
}

// Write 记录命令并排队应答
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, fmt.Errorf("port closed")
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	cmd := string(b)
	p.writes = append(p.writes, cmd)
	if p.respond != nil {
		p.pending = append(p.pending, p.respond(cmd)...)
	}
	n := len(b) - p.shortBy
	hook := p.OnWrite
	p.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
	return n, nil
}

// Read 无数据时返回io.EOF，等同于真实串口的读超时
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, fmt.Errorf("port closed")
	}
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.pending) == 0 {
		hook := p.OnIdle
		p.mu.Unlock()
		if hook != nil {
			hook()
		}
		return 0, io.EOF
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()
	return n, nil
}

// Flush 丢弃未读数据
func (p *Port) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	p.flushes++
	return nil
}

// Close 关闭端口
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Inject 直接放入一段待读数据
func (p *Port) Inject(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, data...)
}

// FailWrites 之后的写入均返回err
func (p *Port) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// FailReads 之后的读取均返回err
func (p *Port) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

// ShortWrites 之后的写入少报n个字节
func (p *Port) ShortWrites(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shortBy = n
}

// Writes 已写入的命令
func (p *Port) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	copy(out, p.writes)
	return out
}

// Flushes 调用Flush的次数
func (p *Port) Flushes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}

// Closed 是否已关闭
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Journal 多个端口共享的读写时序记录
type Journal struct {
	mu      sync.Mutex
	entries []string
}

// Add 追加一条记录
func (j *Journal) Add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

// Entries 全部记录
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}
