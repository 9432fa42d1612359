package mriflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/carbocation/pfx"
	"github.com/kardianos/osext"
	"gopkg.in/yaml.v3"
)

// Config is the shared configuration of the mriflow tools. It is read from a
// YAML file; command line flags override individual values.
type Config struct {
	ConfigPath string `yaml:"-"`

	// Database is the SQLite file holding all bookkeeping.
	Database string `yaml:"database"`

	DICOMRoots      []string `yaml:"dicom_roots"`
	BIDSRoot        string   `yaml:"bids_root"`
	NIfTIRoot       string   `yaml:"nifti_root"`
	DerivativesRoot string   `yaml:"derivatives_root"`
	LogRoot         string   `yaml:"log_root"`
	DatasetName     string   `yaml:"dataset_name"`

	SequenceDefinitions string `yaml:"sequence_definitions"`
	SubjectSheet        string `yaml:"subject_sheet"`

	Dcm2niix          string `yaml:"dcm2niix"`
	Docker            string `yaml:"docker"`
	Matlab            string `yaml:"matlab"`
	SPMPath           string `yaml:"spm_path"`
	FreeSurferLicense string `yaml:"freesurfer_license"`

	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	QuietPeriod  time.Duration `yaml:"quiet_period"`
	Port         int           `yaml:"port"`

	// Google Cloud settings. Leave empty to stay local.
	Project       string `yaml:"project"`
	BigQueryTable string `yaml:"bigquery_table"`
	Upload        string `yaml:"upload"`
}

// DefaultConfig returns a configuration that works for a local checkout.
func DefaultConfig() Config {
	return Config{
		Database:        "mriflow.sqlite",
		BIDSRoot:        "bids",
		NIfTIRoot:       "nifti",
		DerivativesRoot: "derivatives",
		LogRoot:         "logs",
		DatasetName:     "mriflow",
		Dcm2niix:        "dcm2niix",
		Docker:          "docker",
		Matlab:          "matlab",
		Workers:         runtime.NumCPU(),
		PollInterval:    5 * time.Second,
		QuietPeriod:     2 * time.Minute,
		Port:            9019,
	}
}

// ParseConfigFromPath reads a YAML config on top of DefaultConfig.
func ParseConfigFromPath(path string) (Config, error) {
	out := DefaultConfig()

	expanded, err := ExpandHome(path)
	if err != nil {
		return out, err
	}
	out.ConfigPath = expanded

	f, err := os.Open(expanded)
	if err != nil {
		return out, pfx.Err(err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		return out, pfx.Err(fmt.Errorf("%s: %w", expanded, err))
	}

	if err := out.expandPaths(); err != nil {
		return out, err
	}

	return out, out.Validate()
}

// DefaultConfigName is looked up by LoadConfig when no path is given.
const DefaultConfigName = "mriflow.yaml"

// LoadConfig reads the config at path. With an empty path it looks for
// DefaultConfigName in the working directory and then beside the running
// binary, and falls back to DefaultConfig if neither exists.
func LoadConfig(path string) (Config, error) {
	if path != "" {
		return ParseConfigFromPath(path)
	}

	candidates := []string{DefaultConfigName}
	if folder, err := osext.ExecutableFolder(); err == nil {
		candidates = append(candidates, filepath.Join(folder, DefaultConfigName))
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return DefaultConfig(), pfx.Err(err)
		}
		return ParseConfigFromPath(candidate)
	}

	return DefaultConfig(), nil
}

// Validate checks the values that cannot be defaulted sensibly.
func (c Config) Validate() error {
	if c.Database == "" {
		return pfx.Err(fmt.Errorf("database must be set"))
	}
	if c.Workers < 1 {
		return pfx.Err(fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.PollInterval <= 0 {
		return pfx.Err(fmt.Errorf("poll_interval must be positive"))
	}
	if c.BigQueryTable != "" && c.Project == "" {
		return pfx.Err(fmt.Errorf("bigquery_table %q requires project", c.BigQueryTable))
	}
	if c.Upload != "" && !IsGoogleStorage(c.Upload) {
		return pfx.Err(fmt.Errorf("upload must be a gs:// path, got %q", c.Upload))
	}

	return nil
}

// Interpret ~ in every path-valued field
func (c *Config) expandPaths() error {
	var err error
	for _, p := range []*string{
		&c.Database, &c.BIDSRoot, &c.NIfTIRoot, &c.DerivativesRoot, &c.LogRoot,
		&c.SequenceDefinitions, &c.SubjectSheet, &c.SPMPath, &c.FreeSurferLicense,
	} {
		if *p, err = ExpandHome(*p); err != nil {
			return err
		}
	}

	for i := range c.DICOMRoots {
		if c.DICOMRoots[i], err = ExpandHome(c.DICOMRoots[i]); err != nil {
			return err
		}
	}

	return nil
}
