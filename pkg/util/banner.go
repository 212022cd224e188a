package util

import (
	"fmt"
	"io"
	"strings"

	"github.com/common-nighthawk/go-figure"
)

const ansiReset = "\x1b[0m"

// 颜色名 -> ANSI 码
var ansiColors = map[string]string{
	"red":    "\x1b[1;31m",
	"green":  "\x1b[1;32m",
	"yellow": "\x1b[1;33m",
	"blue":   "\x1b[1;34m",
	"cyan":   "\x1b[1;36m",
}

// Banner 用 figlet 默认字体渲染 text，末尾附加版本行
func Banner(text, version string) []string {
	lines := figure.NewFigure(text, "", true).Slicify()
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if version != "" {
		lines = append(lines, "  version "+version)
	}
	return lines
}

// PrintBanner 打印 banner。color 为空或未知时输出不带颜色。
func PrintBanner(w io.Writer, text, version, color string) {
	code, ok := ansiColors[strings.ToLower(color)]
	for _, line := range Banner(text, version) {
		if ok {
			fmt.Fprintln(w, code+line+ansiReset)
		} else {
			fmt.Fprintln(w, line)
		}
	}
}
