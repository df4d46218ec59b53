package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestShowInteractive(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })

	ShowSuccess("Service installed")
	ShowError("Failed to start service")

	got := buf.String()
	if !strings.Contains(got, "✓"+ColorReset+" Service installed\n") {
		t.Errorf("success line missing, got %q", got)
	}
	if !strings.Contains(got, "✗"+ColorReset+" Failed to start service\n") {
		t.Errorf("error line missing, got %q", got)
	}
}

func TestShowQuiet(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetQuietMode(true)
	t.Cleanup(func() {
		SetQuietMode(false)
		SetOutput(nil)
	})

	ShowWarning("Service already installed")

	got := buf.String()
	if !strings.Contains(got, "[WARN]"+ColorReset+" Service already installed") {
		t.Errorf("quiet warning = %q, want log formatted line", got)
	}
	if strings.Contains(got, "⚠") {
		t.Errorf("quiet mode should not print symbols, got %q", got)
	}
}
