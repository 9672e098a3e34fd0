// Package config holds the on-disk configuration of the moos binaries.
// Files are JSON or YAML, chosen by extension.
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/moosgo/moos/pkg/comms"
	"github.com/moosgo/moos/pkg/moostime"
	"github.com/moosgo/moos/pkg/util/env"
	"github.com/moosgo/moos/pkg/util/pathutil"
)

// Formats accepted by Decode and Encode.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// DefaultPort is the usual MOOSDB port.
const DefaultPort = 9000

// ErrUnknownFormat is returned for unsupported config formats.
var ErrUnknownFormat = errors.New("unknown config format")

// Comms is the connection configuration shared by servers and clients.
type Comms struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Community string `json:"community" yaml:"community"`

	FundamentalFrequency            float64  `json:"fundamental_frequency" yaml:"fundamental_frequency"`
	OutboxPendingLimit              int      `json:"outbox_pending_limit" yaml:"outbox_pending_limit"`
	InboxPendingLimit               int      `json:"inbox_pending_limit" yaml:"inbox_pending_limit"`
	ClientTimeout                   Duration `json:"client_timeout" yaml:"client_timeout"`
	CommsControlTimeWarpScaleFactor float64  `json:"comms_control_time_warp_scale_factor" yaml:"comms_control_time_warp_scale_factor"`
	ExpectOutboxOverflow            bool     `json:"expect_outbox_overflow" yaml:"expect_outbox_overflow"`
	DisableNameLookUp               bool     `json:"disable_name_lookup" yaml:"disable_name_lookup"`
	MOOSTimeWarp                    float64  `json:"moos_time_warp" yaml:"moos_time_warp"`
	DoLocalTimeCorrection           bool     `json:"do_local_time_correction" yaml:"do_local_time_correction"`
}

// DefaultComms returns the default comms configuration.
func DefaultComms() Comms {
	return Comms{
		Host:                 "localhost",
		Port:                 DefaultPort,
		Community:            comms.DefaultCommunity,
		FundamentalFrequency: comms.DefaultTickHz,
		OutboxPendingLimit:   comms.DefaultPendingLimit,
		InboxPendingLimit:    comms.DefaultPendingLimit,
		ClientTimeout:        Duration(comms.DefaultClientTimeout),
		MOOSTimeWarp:         1,
	}
}

// Validate checks the comms configuration.
func (c Comms) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return errors.Errorf("invalid port %d", c.Port)
	case c.FundamentalFrequency < comms.MinTickHz || c.FundamentalFrequency > comms.MaxTickHz:
		return errors.Errorf("fundamental_frequency must be within [%v, %v]", comms.MinTickHz, comms.MaxTickHz)
	case c.OutboxPendingLimit < 1 || c.InboxPendingLimit < 1:
		return errors.New("pending limits must be positive")
	case c.ClientTimeout < 0:
		return errors.New("client_timeout must not be negative")
	case c.CommsControlTimeWarpScaleFactor < 0 || c.CommsControlTimeWarpScaleFactor > 1:
		return errors.New("comms_control_time_warp_scale_factor must be within [0, 1]")
	case c.MOOSTimeWarp <= 0:
		return errors.New("moos_time_warp must be positive")
	}
	return nil
}

// TimeSource builds the process time source.
func (c Comms) TimeSource() *moostime.TimeSource {
	return moostime.New(moostime.WithWarp(c.MOOSTimeWarp))
}

// ClientConfig derives a comms.ClientConfig.
func (c Comms) ClientConfig() comms.ClientConfig {
	cc := comms.DefaultClientConfig()
	cc.OutboxPendingLimit = c.OutboxPendingLimit
	cc.InboxPendingLimit = c.InboxPendingLimit
	cc.ExpectOutboxOverflow = c.ExpectOutboxOverflow
	cc.CommsControlTimeWarpScaleFactor = c.CommsControlTimeWarpScaleFactor
	cc.DoLocalTimeCorrection = c.DoLocalTimeCorrection
	return cc
}

// ServerConfig derives a comms.ServerConfig.
func (c Comms) ServerConfig(name string) comms.ServerConfig {
	sc := comms.DefaultServerConfig()
	if name != "" {
		sc.Name = name
	}
	sc.Community = c.Community
	sc.ClientTimeout = time.Duration(c.ClientTimeout)
	sc.DisableNameLookUp = c.DisableNameLookUp
	return sc
}

// Log configures logging.
type Log struct {
	Level  string `json:"level" yaml:"level"`
	Syslog string `json:"syslog,omitempty" yaml:"syslog,omitempty"`
	Tag    string `json:"tag,omitempty" yaml:"tag,omitempty"`
}

// FormatOf returns the format implied by a file name.
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Decode reads v from r in the given format. Unknown JSON fields are
// rejected so typos surface at startup.
func Decode(r io.Reader, format string, v interface{}) error {
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		err := dec.Decode(v)
		if err == io.EOF {
			return nil
		}
		return err
	default:
		return errors.Wrap(ErrUnknownFormat, format)
	}
}

// Encode writes v in the given format.
func Encode(v interface{}, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(v, "", "\t")
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.Wrap(ErrUnknownFormat, format)
	}
}

// Load decodes the file at path into v, which should already hold defaults.
func Load(path string, v interface{}) error {
	path, err := pathutil.Expand(path)
	if err != nil {
		return errors.Wrap(err, "failed to expand config path")
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return errors.Wrap(err, "failed to open config")
	}
	defer f.Close() //nolint:errcheck
	if err := Decode(f, FormatOf(path), v); err != nil {
		return errors.Wrapf(err, "failed to decode %s", path)
	}
	return nil
}

// Write is used by config file generators. replace allows overwriting an
// existing file.
func Write(v interface{}, path string, replace bool) error {
	raw, err := Encode(v, FormatOf(path))
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); !replace && err == nil {
		return errors.Errorf("file %s already exists", path)
	}
	if _, err := pathutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return pathutil.AtomicWriteFile(path, raw)
}

// ReadAll is a helper for configs read from stdin.
func ReadAll(r io.Reader, format string, v interface{}) error {
	raw, err := ioutil.ReadAll(r)
	if err != nil {
		return err
	}
	return Decode(bytes.NewReader(raw), format, v)
}

// Environment variables overriding the comms section.
const (
	EnvHost      = "MOOS_HOST"
	EnvPort      = "MOOS_PORT"
	EnvCommunity = "MOOS_COMMUNITY"
	EnvTimeWarp  = "MOOS_TIME_WARP"

	EnvClientTimeout       = "MOOS_CLIENT_TIMEOUT"
	EnvLocalTimeCorrection = "MOOS_LOCAL_TIME_CORRECTION"
)

// ApplyEnv overrides the connection settings from the environment so one
// file can serve several communities.
func (c *Comms) ApplyEnv() {
	c.Host = env.String(EnvHost, c.Host)
	c.Port = env.Int(EnvPort, c.Port)
	c.Community = env.String(EnvCommunity, c.Community)
	c.MOOSTimeWarp = env.Float64(EnvTimeWarp, c.MOOSTimeWarp)
	c.ClientTimeout = Duration(env.Duration(EnvClientTimeout, time.Duration(c.ClientTimeout)))
	c.DoLocalTimeCorrection = env.Bool(EnvLocalTimeCorrection, c.DoLocalTimeCorrection)
}
