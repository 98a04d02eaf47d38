package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"telegram": {"token": "123:abc", "poll_timeout": "15s", "log_chat_id": -100200300},
		"logging": {"level": "debug", "console": true},
		"storage": {"path": "/tmp/labmon.db"},
		"portal": {"base_url": "https://lab.example", "timeout": "30s"},
		"monitor": {"enabled": true, "interval": "30m", "workers": 3}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.LogChatID != -100200300 {
		t.Fatalf("log_chat_id = %d", cfg.Telegram.LogChatID)
	}
	if cfg.Monitor.Workers != 3 || !cfg.Monitor.Enabled {
		t.Fatalf("monitor = %+v", cfg.Monitor)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
logging:
  level: info
storage:
  path: /var/lib/labmon/labmon.db
portal:
  base_url: https://lab.example
  ready_markers: ["#8ff08f", green]
  status_tokens: [liberado]
monitor:
  enabled: true
  interval: 30m
web:
  enabled: true
  addr: ":8081"
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Portal.BaseURL != "https://lab.example" {
		t.Fatalf("base_url = %q", cfg.Portal.BaseURL)
	}
	if len(cfg.Portal.ReadyMarkers) != 2 || cfg.Portal.ReadyMarkers[0] != "#8ff08f" {
		t.Fatalf("ready_markers = %v", cfg.Portal.ReadyMarkers)
	}
	if !cfg.Web.Enabled || cfg.Web.Addr != ":8081" {
		t.Fatalf("web = %+v", cfg.Web)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.json", `{"telegram": {"token": "t", "chat": 1}}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"telegram": {"token": "t"}}{"extra": true}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("trailing JSON must be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"30m", 30 * time.Minute, false},
		{" 45s ", 45 * time.Second, false},
		{"-5s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("monitor.interval", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	got, err := ParseDurationOrDefault("telegram.poll_timeout", "", 10*time.Second)
	if err != nil || got != 10*time.Second {
		t.Fatalf("got %v, %v", got, err)
	}
	got, err = ParseDurationOrDefault("telegram.poll_timeout", "3s", 10*time.Second)
	if err != nil || got != 3*time.Second {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	m := NewManager("unused")
	sub := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-sub:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("subscriber did not receive the config")
	}

	// A full buffer drops the stale config, not the fresh one.
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	select {
	case got := <-sub:
		if got != second {
			t.Fatal("stale config delivered after overflow")
		}
	default:
		t.Fatal("subscriber empty after overflow")
	}

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel must be closed after Unsubscribe")
	}
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	path := writeConfig(t, "config.json", `{"telegram": {"token": "t1"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register before the write.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"telegram": {"token": "t2"}}`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Telegram.Token != "t2" {
			t.Fatalf("token = %q", cfg.Telegram.Token)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("change not published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not stop")
	}
}
