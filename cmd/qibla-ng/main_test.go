package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBearingCmd_Text(t *testing.T) {
	out, err := execute(t, "bearing", "--lat", "51.5074", "--lon", "-0.1278")
	if err != nil {
		t.Fatalf("bearing: %v", err)
	}
	if !strings.Contains(out, "bearing  119.0°") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "distance") || strings.Contains(out, "heading") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestBearingCmd_NegativeCoordinates(t *testing.T) {
	for _, c := range []struct {
		name string
		args []string
		want float64
	}{
		{"sydney", []string{"--lat=-33.8688", "--lon", "151.2093"}, 277.4996},
		{"sydney spaced", []string{"--lat", "-33.8688", "--lon", "151.2093"}, 277.4996},
		{"new york", []string{"--lat", "40.7128", "--lon", "-74.0060"}, 58.4817},
		{"new york equals", []string{"--lat=40.7128", "--lon=-74.0060"}, 58.4817},
	} {
		out, err := execute(t, append([]string{"bearing", "--json"}, c.args...)...)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		var got bearingOutput
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("%s: decode: %v\n%s", c.name, err, out)
		}
		if math.Abs(got.BearingDeg-c.want) > 0.01 {
			t.Fatalf("%s: got=%v want=%v", c.name, got.BearingDeg, c.want)
		}
		if got.From.Lat >= 0 && got.From.Lng >= 0 {
			t.Fatalf("%s: sign lost: %v", c.name, got.From)
		}
	}
}

func TestBearingCmd_JSONWithHeading(t *testing.T) {
	out, err := execute(t, "bearing", "--lat", "21", "--lon", "39", "--heading", "58", "--json")
	if err != nil {
		t.Fatalf("bearing: %v", err)
	}
	var got bearingOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if math.Abs(got.BearingDeg-61.1045) > 0.01 {
		t.Fatalf("bearing=%v", got.BearingDeg)
	}
	if got.Alignment == nil || !got.Alignment.Aligned {
		t.Fatalf("alignment=%+v", got.Alignment)
	}
	if got.Guidance != "Facing the Qibla" {
		t.Fatalf("guidance=%q", got.Guidance)
	}
}

func TestBearingCmd_HeadingGuidance(t *testing.T) {
	out, err := execute(t, "bearing", "--lat", "21", "--lon", "39", "--heading", "10")
	if err != nil {
		t.Fatalf("bearing: %v", err)
	}
	if !strings.Contains(out, "Turn right 51° a lot") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestBearingCmd_RejectsBadInput(t *testing.T) {
	for _, args := range [][]string{
		{"bearing", "--lat", "91", "--lon", "0"},
		{"bearing", "--lat", "0", "--lon", "181"},
		{"bearing", "--lat=-91", "--lon", "0"},
		{"bearing", "--lat", "north", "--lon", "0"},
		{"bearing", "--lat", "1"},
		{"bearing", "51.5", "-0.1"},
	} {
		if _, err := execute(t, args...); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("got=%q want=%q", out, version)
	}
}

func TestCheckCmd_AppliesDefaultsAndMasksPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qibla-ng.yaml")
	cfg := `
location:
  source: static
  static: {lat: 40.7128, lon: -74.006}
mqtt:
  enable: true
  broker: tcp://127.0.0.1:1883
  password: hunter2
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := execute(t, "--config", path, "check")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{"source: static", "topic_prefix: qibla", "listen_addr:", "8080"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked:\n%s", out)
	}
}

func TestCheckCmd_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("location:\n  source: carrier-pigeon\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := execute(t, "--config", path, "check"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Location.Source != "sim" || cfg.Heading.Platform != "sim" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestSessionCmd_EmptyStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qibla-ng.yaml")
	body := "store:\n  enable: true\n  path: " + filepath.Join(dir, "s.db") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := execute(t, "--config", path, "session")
	if err == nil || !strings.Contains(err.Error(), "no session recorded") {
		t.Fatalf("err=%v", err)
	}
}
