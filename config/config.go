// Package config handles heapwire.toml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/heapwire/gc"
	"github.com/chazu/heapwire/heap"
	"github.com/chazu/heapwire/isolate"
)

// FileName is the name FindAndLoad looks for.
const FileName = "heapwire.toml"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid value")

// Config represents a heapwire.toml file.
type Config struct {
	Heap HeapConfig `toml:"heap"`
	GC   GCConfig   `toml:"gc"`
	Log  LogConfig  `toml:"log"`

	// Path is the file the configuration was loaded from (set at load time).
	Path string `toml:"-"`
}

// HeapConfig sizes the heap of every isolate group.
type HeapConfig struct {
	PageSize        int `toml:"page-size"`
	LargeObjectSize int `toml:"large-object-size"`
	ObjectIDRing    int `toml:"object-id-ring"`
}

// GCConfig configures the collector.
type GCConfig struct {
	Compact  *bool `toml:"compact"`
	LogStats bool  `toml:"log-stats"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Heap.PageSize == 0 {
		c.Heap.PageSize = heap.DefaultPageSize
	}
	if c.Heap.LargeObjectSize == 0 {
		c.Heap.LargeObjectSize = min(heap.DefaultLargeObjectSize, c.Heap.PageSize/2)
	}
	if c.GC.Compact == nil {
		compact := true
		c.GC.Compact = &compact
	}
}

// Validate checks every value against what the heap accepts.
func (c *Config) Validate() error {
	var errs []error
	if p := c.Heap.PageSize; p < heap.BlockSize || p&(p-1) != 0 {
		errs = append(errs, fmt.Errorf("%w: heap.page-size %d must be a power of two of at least %d", ErrInvalid, p, heap.BlockSize))
	}
	if l := c.Heap.LargeObjectSize; l <= 0 || l > c.Heap.PageSize/2 {
		errs = append(errs, fmt.Errorf("%w: heap.large-object-size %d must be in (0, page-size/2]", ErrInvalid, l))
	}
	if c.Heap.ObjectIDRing < 0 {
		errs = append(errs, fmt.Errorf("%w: heap.object-id-ring %d is negative", ErrInvalid, c.Heap.ObjectIDRing))
	}
	if v := c.Log.Verbosity; v < -1 || v > 5 {
		errs = append(errs, fmt.Errorf("%w: log.verbosity %d must be in [-1, 5]", ErrInvalid, v))
	}
	return errors.Join(errs...)
}

// Parse decodes a configuration, applies defaults and validates it. Keys
// the configuration does not define are rejected.
func Parse(data []byte, name string) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, name, strings.Join(keys, ", "))
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &c, nil
}

// LoadFile parses the configuration file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return c, nil
}

// Load parses the heapwire.toml file in dir.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// FindAndLoad walks up from startDir to find a heapwire.toml file, then
// loads it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// HeapOptions returns the heap options of the configuration.
func (c *Config) HeapOptions() heap.Options {
	return heap.Options{
		PageSize:         c.Heap.PageSize,
		LargeObjectSize:  c.Heap.LargeObjectSize,
		ObjectIDRingSize: c.Heap.ObjectIDRing,
	}
}

// GCOptions returns the collector options of the configuration.
func (c *Config) GCOptions() gc.Options {
	return gc.Options{
		Compact:  c.GC.Compact == nil || *c.GC.Compact,
		LogStats: c.GC.LogStats,
	}
}

// RuntimeOptions returns the options for isolate.NewRuntime.
func (c *Config) RuntimeOptions() isolate.Options {
	return isolate.Options{Heap: c.HeapOptions(), GC: c.GCOptions()}
}

// LogFile returns the configured log file, or nil for stderr.
func (c *Config) LogFile() *string {
	if c.Log.File == "" {
		return nil
	}
	return &c.Log.File
}
