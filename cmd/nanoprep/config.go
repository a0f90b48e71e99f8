package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/nasa-jpl/nanoprep/archive"
	"github.com/nasa-jpl/nanoprep/opt"
	"github.com/nasa-jpl/nanoprep/pore"
	"github.com/nasa-jpl/nanoprep/protocol"
	"github.com/nasa-jpl/nanoprep/record"
	"github.com/nasa-jpl/nanoprep/util"
)

// EnvPrefix marks environment variables that override the config file,
// e.g. NANOPREP_INSTRUMENT_ADDR
const EnvPrefix = "NANOPREP_"

// Instrument describes how to reach the sourcemeter
type Instrument struct {
	// Addr is a host:port of a GPIB or serial gateway, a serial device such
	// as /dev/ttyUSB0, or vid:pid in hex when USB is true
	Addr string `koanf:"Addr" yaml:"Addr"`

	Serial bool `koanf:"Serial" yaml:"Serial"`
	USB    bool `koanf:"USB" yaml:"USB"`

	// Compliance is the current limit, A
	Compliance float64 `koanf:"Compliance" yaml:"Compliance"`

	// Timeout bounds each instrument read or write, s
	Timeout float64 `koanf:"Timeout" yaml:"Timeout"`
}

// Sample holds the electrolyte and membrane properties
type Sample struct {
	// Conductivity of the electrolyte, mS/cm
	Conductivity float64 `koanf:"Conductivity" yaml:"Conductivity"`

	// Length is the effective pore length, nm
	Length float64 `koanf:"Length" yaml:"Length"`

	// Channel is the access conductance of the fluidic channel, S
	Channel float64 `koanf:"Channel" yaml:"Channel"`

	DoubleElectrode bool `koanf:"DoubleElectrode" yaml:"DoubleElectrode"`
}

// Experiment holds the settings shared by every run
type Experiment struct {
	// Offset is the pipette offset, mV
	Offset float64 `koanf:"Offset" yaml:"Offset"`

	// Progress is "absolute" or "relative"
	Progress string `koanf:"Progress" yaml:"Progress"`

	// Sustained fills unsupplied sample fields with their last value
	Sustained bool `koanf:"Sustained" yaml:"Sustained"`
}

// Cutoffs end any run early.  Zero disables a cutoff.
type Cutoffs struct {
	Time     float64 `koanf:"Time" yaml:"Time"`         // s
	Current  float64 `koanf:"Current" yaml:"Current"`   // nA
	Diameter float64 `koanf:"Diameter" yaml:"Diameter"` // nm
}

// Output is where runs are recorded
type Output struct {
	// Dir holds one CSV file per run
	Dir string `koanf:"Dir" yaml:"Dir"`

	// Database is the SQLite run archive, empty to disable
	Database string `koanf:"Database" yaml:"Database"`
}

// Archive is the object storage finished results are copied to
type Archive struct {
	// Bucket is the destination bucket, empty to disable
	Bucket    string `koanf:"Bucket" yaml:"Bucket"`
	Region    string `koanf:"Region" yaml:"Region"`
	Endpoint  string `koanf:"Endpoint" yaml:"Endpoint"`
	Prefix    string `koanf:"Prefix" yaml:"Prefix"`
	PathStyle bool   `koanf:"PathStyle" yaml:"PathStyle"`
}

// Config is the whole configuration of nanoprep
type Config struct {
	// Addr is the address serve listens at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Mock replaces the instrument with a simulated pore
	Mock bool `koanf:"Mock" yaml:"Mock"`

	// MockDiameter is the initial diameter of the simulated pore, nm.  Zero
	// is an intact membrane.
	MockDiameter float64 `koanf:"MockDiameter" yaml:"MockDiameter"`

	Instrument Instrument `koanf:"Instrument" yaml:"Instrument"`
	Sample     Sample     `koanf:"Sample" yaml:"Sample"`
	Experiment Experiment `koanf:"Experiment" yaml:"Experiment"`
	Cutoffs    Cutoffs    `koanf:"Cutoffs" yaml:"Cutoffs"`

	// Protocols holds site parameter defaults by protocol name
	Protocols map[string]map[string]any `koanf:"Protocols" yaml:"Protocols"`

	Output  Output  `koanf:"Output" yaml:"Output"`
	Archive Archive `koanf:"Archive" yaml:"Archive"`

	// LogLevel is debug, info, warn or error
	LogLevel string `koanf:"LogLevel" yaml:"LogLevel"`
}

// Defaults is the configuration before the file and environment are applied
func Defaults() Config {
	return Config{
		Addr: ":8000",
		Instrument: Instrument{
			Addr:       "192.168.100.50:1234",
			Compliance: 1e-6,
			Timeout:    5,
		},
		Sample: Sample{
			Conductivity: 115.3,
			Length:       12,
		},
		Experiment: Experiment{Progress: "absolute", Sustained: true},
		Output:     Output{Dir: "results", Database: "results/nanoprep.db"},
		Archive:    Archive{Region: "us-east-1"},
		LogLevel:   "info",
	}
}

// loadKoanf layers the defaults, the YAML file at fn and the environment
func loadKoanf(fn string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, err
	}
	if _, err := os.Stat(fn); err == nil {
		if err := k.Load(file.Provider(fn), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config %s: %w", fn, err)
		}
	}

	// environment variables are upper case with _ for ., map them back to
	// the spelling of the known keys
	known := map[string]string{}
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	cb := func(s string) string {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "_", "."))
		if canon, ok := known[key]; ok {
			return canon
		}
		return key
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", cb), nil); err != nil {
		return nil, err
	}
	return k, nil
}

// LoadConfig returns the configuration from the defaults, the file at fn if
// it exists, and NANOPREP_ environment variables, in increasing precedence
func LoadConfig(fn string) (Config, error) {
	k, err := loadKoanf(fn)
	if err != nil {
		return Config{}, err
	}
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Model is the electrical model of the sample
func (c Config) Model() pore.Model {
	return pore.Model{
		Conductivity:    pore.MilliSiemensPerCm(c.Sample.Conductivity),
		Length:          pore.NM(c.Sample.Length),
		Channel:         c.Sample.Channel,
		DoubleElectrode: c.Sample.DoubleElectrode,
	}
}

// RunCutoffs converts the cutoffs to SI units, dropping disabled ones
func (c Config) RunCutoffs() protocol.Cutoffs {
	var out protocol.Cutoffs
	if c.Cutoffs.Time > 0 {
		out.Time = opt.Some(util.SecsToDuration(c.Cutoffs.Time))
	}
	if c.Cutoffs.Current > 0 {
		out.Current = opt.Some(c.Cutoffs.Current * 1e-9)
	}
	if c.Cutoffs.Diameter > 0 {
		out.Diameter = opt.Some(pore.NM(c.Cutoffs.Diameter))
	}
	return out
}

// Mode is the sample completion mode of the experiment
func (c Config) Mode() record.Mode {
	if c.Experiment.Sustained {
		return record.Sustained
	}
	return record.Transient
}

// InstrumentTimeout is the per operation timeout of the instrument
func (c Config) InstrumentTimeout() time.Duration {
	return util.SecsToDuration(c.Instrument.Timeout)
}

// ArchiveConfig is the S3 configuration; credentials come from the default
// AWS chain
func (c Config) ArchiveConfig() archive.Config {
	return archive.Config{
		Bucket:    c.Archive.Bucket,
		Region:    c.Archive.Region,
		Endpoint:  c.Archive.Endpoint,
		Prefix:    c.Archive.Prefix,
		PathStyle: c.Archive.PathStyle,
	}
}

// Logger is a text logger on stderr at the configured level
func (c Config) Logger() (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("bad LogLevel: %w", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// parseUSB parses "vid:pid" in hex, e.g. 05e6:2400
func parseUSB(addr string) (vid, pid uint16, err error) {
	v, p, ok := strings.Cut(addr, ":")
	if !ok {
		return 0, 0, fmt.Errorf("USB address %q must be vid:pid", addr)
	}
	vv, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("USB vendor id: %w", err)
	}
	pp, err := strconv.ParseUint(strings.TrimPrefix(p, "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("USB product id: %w", err)
	}
	return uint16(vv), uint16(pp), nil
}
