package mriflow

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseConfigFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mriflow.yaml")
	body := `
database: /data/mri.sqlite
dicom_roots:
  - /data/dicom
  - gs://bucket/dicom
bids_root: /data/bids
workers: 3
poll_interval: 10s
quiet_period: 1m
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := ParseConfigFromPath(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Database != "/data/mri.sqlite" {
		t.Errorf("database: got %q", cfg.Database)
	}
	if len(cfg.DICOMRoots) != 2 || cfg.DICOMRoots[1] != "gs://bucket/dicom" {
		t.Errorf("dicom roots: got %v", cfg.DICOMRoots)
	}
	if cfg.Workers != 3 {
		t.Errorf("workers: got %d", cfg.Workers)
	}
	if cfg.PollInterval != 10*time.Second || cfg.QuietPeriod != time.Minute {
		t.Errorf("durations: got %v %v", cfg.PollInterval, cfg.QuietPeriod)
	}

	// Untouched values keep their defaults
	if cfg.Dcm2niix != "dcm2niix" {
		t.Errorf("dcm2niix default lost: %q", cfg.Dcm2niix)
	}
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("databse: typo.sqlite\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := ParseConfigFromPath(path); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ConfigPath != "" || cfg.Database != DefaultConfig().Database {
		t.Fatalf("expected defaults without a config file, got %+v", cfg)
	}

	if err := os.WriteFile(filepath.Join(dir, DefaultConfigName), []byte("database: found.sqlite\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database != "found.sqlite" {
		t.Errorf("working directory config not read: %q", cfg.Database)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected an error for an explicit missing path")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"no database", func(c *Config) { c.Database = "" }, false},
		{"no workers", func(c *Config) { c.Workers = 0 }, false},
		{"table without project", func(c *Config) { c.BigQueryTable = "ds.scores" }, false},
		{"local upload", func(c *Config) { c.Upload = "/tmp/out" }, false},
		{"gs upload", func(c *Config) { c.Upload = "gs://bucket/out" }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tc.ok {
				t.Fatalf("ok=%v, err=%v", tc.ok, err)
			}
		})
	}
}

func TestSplitGoogleStoragePath(t *testing.T) {
	bucket, object, err := SplitGoogleStoragePath("gs://my-bucket/a/b/c.dcm")
	if err != nil {
		t.Fatal(err)
	}
	if bucket != "my-bucket" || object != "a/b/c.dcm" {
		t.Fatalf("got %q %q", bucket, object)
	}

	if bucket, object, err = SplitGoogleStoragePath("gs://only"); err != nil || bucket != "only" || object != "" {
		t.Fatalf("got %q %q %v", bucket, object, err)
	}

	if _, _, err := SplitGoogleStoragePath("/local/path"); err == nil {
		t.Fatal("expected error for local path")
	}
}

func TestExpandHome(t *testing.T) {
	out, err := ExpandHome("~/data")
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(out, "~") || !strings.HasSuffix(out, "data") {
		t.Fatalf("got %q", out)
	}

	if out, _ := ExpandHome("/abs/path"); out != "/abs/path" {
		t.Fatalf("absolute path changed: %q", out)
	}
}

func TestMaybeDecompress(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte("DICM payload")); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	rc, dt, err := MaybeDecompress(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	if dt != DataTypeGzip {
		t.Fatalf("expected gzip, got %s", dt)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "DICM payload" {
		t.Fatalf("got %q", got)
	}

	rc, dt, err = MaybeDecompress(strings.NewReader("plain"))
	if err != nil {
		t.Fatal(err)
	}
	if dt != DataTypeNoCompression {
		t.Fatalf("expected uncompressed, got %s", dt)
	}
	got, _ = io.ReadAll(rc)
	if string(got) != "plain" {
		t.Fatalf("got %q", got)
	}
}

func TestTrimCompressionExt(t *testing.T) {
	for in, want := range map[string]string{
		"a.dcm.gz": "a.dcm",
		"a.dcm.XZ": "a.dcm",
		"a.dcm":    "a.dcm",
	} {
		if got := TrimCompressionExt(in); got != want {
			t.Errorf("%s: got %s want %s", in, got, want)
		}
	}
}

func TestSniffDelimiter(t *testing.T) {
	input := "patient\tsubject\n123\tsub01\n456\tsub02\n"
	delim, r, err := SniffDelimiter(strings.NewReader(input), ',')
	if err != nil {
		t.Fatal(err)
	}
	if delim != '\t' {
		t.Fatalf("expected tab, got %q", delim)
	}

	all, _ := io.ReadAll(r)
	if string(all) != input {
		t.Fatal("sniffing consumed input")
	}
}
