package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
  poll_timeout: "10s"
logging:
  level: debug
  console: true
monitor:
  sweep_interval: "5s"
storage:
  path: "./trackbot.db"
clearml:
  request_timeout: "15s"
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Monitor.SweepInterval != "5s" {
		t.Fatalf("sweep_interval = %q", cfg.Monitor.SweepInterval)
	}
	if cfg.Storage.Path != "./trackbot.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json",
		`{"telegram":{"token":"t"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"monitor":{},"storage":{"path":"x.db"},"clearml":{}}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "t" || cfg.Storage.Path != "x.db" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
telegram:
  token: "t"
  totally_unknown: 1
storage:
  path: "x.db"
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("want error for unknown field, got nil")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"storage":{"path":"x.db"}}{"extra":1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("want error for trailing data, got nil")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"10s", "10s", false},
		{"", "0s", false},
		{"  2m ", "2m0s", false},
		{"nope", "", true},
		{"-5s", "", true},
	}
	for _, tc := range cases {
		d, err := ParseDurationField("f", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: want error, got %v", tc.raw, d)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if d.String() != tc.want {
			t.Fatalf("%q: got %v want %v", tc.raw, d, tc.want)
		}
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("published config mismatch")
		}
	default:
		t.Fatal("expected a published config")
	}

	// A slow subscriber gets the newest config, not the oldest.
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("want newest config after overflow")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}
