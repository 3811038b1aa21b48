package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ESPA_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Service.Host != "https://espa.cr.usgs.gov" || cfg.Service.Version != "v0" {
		t.Errorf("service = %+v", cfg.Service)
	}
	if cfg.Fulfill.PollInterval != 300*time.Second || cfg.Fulfill.Timeout != 86400*time.Second {
		t.Errorf("fulfill = %+v", cfg.Fulfill)
	}
	if cfg.Download.MaxRetries != 2 || cfg.Download.RetryDelay != time.Second {
		t.Errorf("download = %+v", cfg.Download)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "espa.yaml")
	data := []byte(`
service:
  host: https://espa.example
order:
  template: landsat-sr
  note: weekly
  tiles:
    olitirs8: [LC80140322016001LGN00]
download:
  retry_delay: 5s
fulfill:
  poll_interval: 1m
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ESPA_CONFIG", path)
	t.Setenv("ESPA_USERNAME", "alice")
	t.Setenv("ESPA_PASSWORD", "secret")
	t.Setenv("POLL_INTERVAL", "30")
	t.Setenv("ORDER_AUTO_REPAIR", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Service.Host != "https://espa.example" {
		t.Errorf("host = %s", cfg.Service.Host)
	}
	if cfg.Service.Username != "alice" || cfg.Service.Password != "secret" {
		t.Errorf("credentials not read from environment")
	}
	if cfg.Order.Template != "landsat-sr" || cfg.Order.Note != "weekly" {
		t.Errorf("order = %+v", cfg.Order)
	}
	if !reflect.DeepEqual(cfg.Order.Tiles["olitirs8"], []string{"LC80140322016001LGN00"}) {
		t.Errorf("tiles = %v", cfg.Order.Tiles)
	}
	if cfg.Order.AutoRepair {
		t.Error("ORDER_AUTO_REPAIR=false should override the default")
	}
	if cfg.Download.RetryDelay != 5*time.Second {
		t.Errorf("retry delay = %v", cfg.Download.RetryDelay)
	}
	if cfg.Fulfill.PollInterval != 30*time.Second {
		t.Errorf("env should override file: poll interval = %v", cfg.Fulfill.PollInterval)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ESPA_CONFIG", "")
	t.Setenv("DOWNLOAD_MAX_RETRIES", "many")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric retries")
	}
}

func TestParseTiles(t *testing.T) {
	got, err := ParseTiles("olitirs8: LC80140322016001LGN00, LC80150322016001LGN00 ; mod09a1:MOD09A1.A2016001.h08v05.006.2016012053236")
	if err != nil {
		t.Fatalf("ParseTiles failed: %v", err)
	}
	want := map[string][]string{
		"olitirs8": {"LC80140322016001LGN00", "LC80150322016001LGN00"},
		"mod09a1":  {"MOD09A1.A2016001.h08v05.006.2016012053236"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseTiles = %v, want %v", got, want)
	}

	if _, err := ParseTiles("no-colon"); err == nil {
		t.Error("expected error for group without product")
	}
}
