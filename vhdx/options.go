package vhdx

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RegionHandler receives a region located by the region table. The BAT and
// metadata regions are interpreted outside of this package.
type RegionHandler func(fh io.ReadSeeker, region KnownRegion, entry RTEntry) error

type Options struct {
	LogLevel string `yaml:"log_level"`
	LogName  string `yaml:"log_name"`

	// SkipLog leaves the log region unread; the sequence is then empty.
	SkipLog bool `yaml:"skip_log"`
	// MaxLogEntries bounds the log scan, 0 for no bound. The sequence is then
	// selected from the truncated pool, so a newer run past the bound is not
	// seen; a Warn line reports when the bound cut the scan short.
	MaxLogEntries int `yaml:"max_log_entries"`

	Logger          hclog.Logger  `yaml:"-"`
	MetadataHandler RegionHandler `yaml:"-"`
	BATHandler      RegionHandler `yaml:"-"`
}

func DefaultOptions() *Options {
	opts := &Options{}
	opts.Normalize()
	return opts
}

// LoadOptions reads options from a YAML file.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read options")
	}
	opts := &Options{}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, errors.Wrapf(err, "parse options %s", path)
	}
	opts.Normalize()
	return opts, nil
}

func (o *Options) Normalize() {
	o.LogLevel = strings.ToLower(strings.TrimSpace(o.LogLevel))
	if hclog.LevelFromString(o.LogLevel) == hclog.NoLevel {
		o.LogLevel = "info"
	}
	if o.LogName == "" {
		o.LogName = "vhdx"
	}
	if o.MaxLogEntries < 0 {
		o.MaxLogEntries = 0
	}
}

// NewLogger returns a logger writing to w at the configured level.
func (o *Options) NewLogger(w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   o.LogName,
		Level:  hclog.LevelFromString(o.LogLevel),
		Output: w,
	})
}

func (o *Options) logger() hclog.Logger {
	if o == nil || o.Logger == nil {
		return hclog.NewNullLogger()
	}
	return o.Logger
}
