package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/bitsongofficial/faucet/internal/config"
)

func TestRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "debug", Format: "json"}, &buf)

	logger.Info("boot",
		"mnemonic", "abandon abandon about",
		"hmac_secret", "s3cr3t",
		slog.Group("chain", slog.String("seed_phrase", "abandon"), slog.String("rpc", "http://rpc")),
		"run_id", "abc",
	)

	out := buf.String()
	if strings.Contains(out, "abandon") || strings.Contains(out, "s3cr3t") {
		t.Fatalf("secret leaked: %s", out)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["run_id"] != "abc" {
		t.Fatalf("expected run_id passthrough, got %v", entry["run_id"])
	}
	chain, ok := entry["chain"].(map[string]any)
	if !ok || chain["rpc"] != "http://rpc" || chain["seed_phrase"] != redacted {
		t.Fatalf("unexpected chain group: %v", entry["chain"])
	}
}

func TestWithAttrsRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Format: "text"}, &buf).With("private_key", "deadbeef")
	logger.Info("hello")

	if strings.Contains(buf.String(), "deadbeef") {
		t.Fatalf("private key leaked: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "warn"}, &buf)
	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}
	logger.Warn("loud")
	if buf.Len() == 0 {
		t.Fatalf("expected warn to be written")
	}
}
