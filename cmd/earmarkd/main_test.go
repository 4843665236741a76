package main

import (
	"strings"
	"testing"

	"github.com/quietwire/earmark/internal/audio"
)

func TestFormatDevice(t *testing.T) {
	line := formatDevice(audio.Device{ID: 3, Name: "USB Microphone", Channels: 1, Default: true})
	if !strings.HasPrefix(line, "*") {
		t.Errorf("default device not marked: %q", line)
	}
	if !strings.Contains(line, "3") || !strings.Contains(line, "USB Microphone") {
		t.Errorf("line missing id or name: %q", line)
	}

	line = formatDevice(audio.Device{ID: 0, Name: "Built-in", Channels: 2})
	if strings.HasPrefix(line, "*") {
		t.Errorf("non-default device marked: %q", line)
	}
}
