package serial

import (
	"strconv"
	"strings"
)

// ScanFloat 解析应答开头的数值，跳过前导空白并忽略其后的内容
func ScanFloat(s string) (float64, bool) {
	s = strings.TrimLeft(s, " \t\r\n")
	end := 0
	for end < len(s) && strings.IndexByte("+-0123456789.eE", s[end]) >= 0 {
		end++
	}
	// 取能解析的最长前缀，如 "12.5e" -> 12.5
	for ; end > 0; end-- {
		if v, err := strconv.ParseFloat(s[:end], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// ScanInt 解析应答开头的整数
func ScanInt(s string) (int, bool) {
	s = strings.TrimLeft(s, " \t\r\n")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	v, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return v, true
}
