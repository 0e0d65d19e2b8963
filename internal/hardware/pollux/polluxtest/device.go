// Package polluxtest simulates a two-axis Pollux controller behind a
// serialtest.Port.
package polluxtest

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Device 模拟的Pollux控制器
type Device struct {
	mu       sync.Mutex
	serials  [2]int
	pos      [2]float64
	busy     [2]int // 下一次运动后nstatus返回1的次数
	pending  [2]int // 当前剩余的忙碌次数
	errCode  [2]int
	fail     map[string]int
	status   *string
	offset   float64
	stack    int
	gate     chan struct{}
	received []string
}

// New 创建两个轴序列号分别为s1、s2的控制器
func New(s1, s2 int) *Device {
	return &Device{
		serials: [2]int{s1, s2},
		fail:    map[string]int{},
	}
}

// SetPosition 设置轴的当前位置
func (d *Device) SetPosition(axis int, pos float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pos[axis-1] = pos
}

// Position 轴的当前位置
func (d *Device) Position(axis int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos[axis-1]
}

// SetBusy 之后每个动作命令让nstatus先返回n次1
func (d *Device) SetBusy(axis, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy[axis-1] = n
}

// FailWith verb执行后getnerror返回code
func (d *Device) FailWith(verb string, code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[verb] = code
}

// SetStatus nstatus固定返回reply
func (d *Device) SetStatus(reply string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = &reply
}

// ClearStatus 恢复正常的状态应答
func (d *Device) ClearStatus() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = nil
}

// SetError 直接设置轴的错误码
func (d *Device) SetError(axis, code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errCode[axis-1] = code
}

// SetOffset 每次运动额外偏移offset，用于制造定位误差
func (d *Device) SetOffset(offset float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offset = offset
}

// SetStackSize ngsp的应答
func (d *Device) SetStackSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stack = n
}

// Hold 之后的nstatus阻塞，直到调用返回的函数
func (d *Device) Hold() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.gate = nil
			d.mu.Unlock()
			close(gate)
		})
	}
}

// Commands 收到的全部命令
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

// Count 某条命令收到的次数
func (d *Device) Count(cmd string) int {
	n := 0
	for _, c := range d.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

func line(v string) string {
	return v + "\r\n"
}

// Respond 作为serialtest.Responder使用
func (d *Device) Respond(cmd string) string {
	d.mu.Lock()
	d.received = append(d.received, cmd)
	gate := d.gate
	d.mu.Unlock()
	if gate != nil && strings.HasSuffix(cmd, "nstatus ") {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	fields := strings.Fields(cmd)
	if len(fields) == 1 && fields[0] == "ngsp" {
		return line(strconv.Itoa(d.stack))
	}
	if len(fields) < 2 {
		return ""
	}
	verb := fields[len(fields)-1]
	axis, err := strconv.Atoi(fields[len(fields)-2])
	if err != nil || axis < 1 || axis > 2 {
		return ""
	}
	i := axis - 1
	var value float64
	if len(fields) == 3 {
		value, _ = strconv.ParseFloat(fields[0], 64)
	}

	switch verb {
	case "getserialno":
		return line(strconv.Itoa(d.serials[i]))
	case "nstatus":
		if d.status != nil {
			return *d.status
		}
		if d.pending[i] > 0 {
			d.pending[i]--
			return line("1")
		}
		return line("0")
	case "getnerror":
		code := d.errCode[i]
		d.errCode[i] = 0
		return line(strconv.Itoa(code))
	case "npos":
		return line(strconv.FormatFloat(d.pos[i], 'f', -1, 64))
	case "nclear":
		d.stack = 0
		return ""
	case "nreset":
		return ""
	}

	d.pending[i] = d.busy[i]
	if code, ok := d.fail[verb]; ok {
		d.errCode[i] = code
		return ""
	}
	switch verb {
	case "nmove":
		d.pos[i] = value + d.offset
	case "nrmove":
		d.pos[i] += value + d.offset
	case "ncalibrate":
		d.pos[i] = 0
	case "nrangemeasure", "nabort":
	default:
		d.errCode[i] = 2000
	}
	return ""
}

// String 便于失败时打印
func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("pollux{pos=%v err=%v}", d.pos, d.errCode)
}
