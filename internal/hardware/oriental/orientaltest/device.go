// Package orientaltest simulates an EZS controller behind a serialtest.Port.
package orientaltest

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/wfunc/stage-motors/internal/hardware/serial"
)

// Device 模拟的EZS控制器
type Device struct {
	mu       sync.Mutex
	label    byte
	pos      float64
	script   []float64 // 依次作为PF的应答，用完后返回当前位置
	moving   int       // SIGMOVE返回1的剩余次数
	silent   bool
	garbled  bool
	received []string
}

// New 创建标签为label的控制器
func New(label byte) *Device {
	return &Device{label: label}
}

// SetPosition 设置当前位置
func (d *Device) SetPosition(pos float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pos = pos
}

// SetScript 设置之后PF依次返回的位置；脚本非空时移动命令不改变位置
func (d *Device) SetScript(positions ...float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append([]float64(nil), positions...)
}

// SetMoving 之后n次SIGMOVE报告仍在运动
func (d *Device) SetMoving(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.moving = n
}

// SetSilent 不应答任何命令
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

// SetGarbled 应答中不带提示符
func (d *Device) SetGarbled(garbled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.garbled = garbled
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

func (d *Device) reply(body string) string {
	return body + "\r\n" + string(d.label) + ">"
}

// Respond 作为serialtest.Responder使用
func (d *Device) Respond(cmd string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, cmd)

	if d.silent {
		return ""
	}
	if d.garbled {
		return "noise without prompt"
	}

	switch {
	case len(cmd) == 3 && cmd[0] == '@':
		if cmd[1] == d.label {
			return "\r\n" + string(d.label) + ">"
		}
		return ""
	case strings.HasPrefix(cmd, "@") && strings.HasSuffix(cmd, "ver\n"):
		return d.reply("VER\r\nEZS2 V1.05")
	case cmd == "PF\n":
		if len(d.script) > 0 {
			d.pos = d.script[0]
			d.script = d.script[1:]
		}
		return d.reply(fmt.Sprintf("PF= %.3f mm", d.pos))
	case strings.HasPrefix(cmd, "MA "):
		target, _ := strconv.ParseFloat(strings.TrimSpace(cmd[3:]), 64)
		if len(d.script) == 0 {
			d.pos = target
		}
		return d.reply("")
	case strings.HasPrefix(cmd, "DIS="):
		delta, _ := serial.ScanFloat(cmd[4:])
		if len(d.script) == 0 {
			d.pos += delta
		}
		return d.reply("")
	case cmd == "SIGMOVE\n":
		v := 0
		if d.moving > 0 {
			d.moving--
			v = 1
		}
		return d.reply(fmt.Sprintf("SIGMOVE=%d", v))
	case cmd == "RESET\n":
		return d.reply("RESET OK")
	case cmd == "VER\n":
		return d.reply("EZS2 V1.05")
	case cmd == "MSTOP\n":
		d.moving = 0
		return d.reply("")
	default:
		return d.reply("")
	}
}
