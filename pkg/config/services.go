package config

import (
	"time"

	"github.com/pkg/errors"

	"github.com/moosgo/moos/pkg/moosdb"
	"github.com/moosgo/moos/pkg/nav/ekf"
	"github.com/moosgo/moos/pkg/nav/lsq"
	"github.com/moosgo/moos/pkg/navigator"
	"github.com/moosgo/moos/pkg/util/pathutil"
)

// Engine names.
const (
	EngineEKF = "ekf"
	EngineLSQ = "lsq"
)

// Snapshot configures persistence of the database's variables.
type Snapshot struct {
	Kind string `json:"kind" yaml:"kind"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// FilePath returns Path with a leading ~ expanded to the home directory.
func (s Snapshot) FilePath() (string, error) {
	if s.Path == "" {
		return "", nil
	}
	return pathutil.Expand(s.Path)
}

// DB configures the moosdb binary.
type DB struct {
	Comms Comms  `json:"comms" yaml:"comms"`
	Name  string `json:"name" yaml:"name"`
	// AuditAddr is an optional UDP address receiving the client audit.
	AuditAddr string `json:"audit_addr,omitempty" yaml:"audit_addr,omitempty"`
	// HTTPAddr serves the inspection API and metrics when set.
	HTTPAddr        string   `json:"http_addr,omitempty" yaml:"http_addr,omitempty"`
	Snapshot        Snapshot `json:"snapshot" yaml:"snapshot"`
	TickInterval    Duration `json:"tick_interval" yaml:"tick_interval"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Log             Log      `json:"log" yaml:"log"`
}

// DefaultDB returns the default database configuration.
func DefaultDB() DB {
	return DB{
		Comms:           DefaultComms(),
		Name:            "MOOSDB",
		Snapshot:        Snapshot{Kind: "memory"},
		TickInterval:    Duration(time.Second),
		ShutdownTimeout: Duration(10 * time.Second),
		Log:             Log{Level: "info", Tag: "moosdb"},
	}
}

// Validate checks the database configuration.
func (c DB) Validate() error {
	if err := c.Comms.Validate(); err != nil {
		return errors.Wrap(err, "comms")
	}
	switch {
	case c.Name == "":
		return errors.New("name must be set")
	case c.Snapshot.Kind != "memory" && c.Snapshot.Kind != "bbolt":
		return errors.Errorf("unknown snapshot kind %q", c.Snapshot.Kind)
	case c.Snapshot.Kind == "bbolt" && c.Snapshot.Path == "":
		return errors.New("bbolt snapshot requires a path")
	case c.TickInterval <= 0:
		return errors.New("tick_interval must be positive")
	}
	return nil
}

// DBConfig derives the moosdb.Config.
func (c DB) DBConfig() moosdb.Config {
	return moosdb.Config{
		Name:              c.Name,
		Community:         c.Comms.Community,
		InboxPendingLimit: c.Comms.InboxPendingLimit,
		TickInterval:      time.Duration(c.TickInterval),
	}
}

// Nav configures the lblnav binary.
type Nav struct {
	Comms     Comms            `json:"comms" yaml:"comms"`
	Name      string           `json:"name" yaml:"name"`
	Engine    string           `json:"engine" yaml:"engine"`
	Navigator navigator.Config `json:"navigator" yaml:"navigator"`
	EKF       ekf.Config       `json:"ekf" yaml:"ekf"`
	LSQ       lsq.Config       `json:"lsq" yaml:"lsq"`
	Log       Log              `json:"log" yaml:"log"`
}

// DefaultNav returns the default navigator configuration.
func DefaultNav() Nav {
	return Nav{
		Comms:     DefaultComms(),
		Name:      "pLBLNav",
		Engine:    EngineEKF,
		Navigator: navigator.DefaultConfig(),
		EKF:       ekf.DefaultConfig(),
		LSQ:       lsq.DefaultConfig(),
		Log:       Log{Level: "info", Tag: "lblnav"},
	}
}

// Validate checks the navigator configuration. Only the selected engine's
// section is validated.
func (c Nav) Validate() error {
	if err := c.Comms.Validate(); err != nil {
		return errors.Wrap(err, "comms")
	}
	if c.Name == "" {
		return errors.New("name must be set")
	}
	if err := c.Navigator.Validate(); err != nil {
		return errors.Wrap(err, "navigator")
	}
	switch c.Engine {
	case EngineEKF:
		return errors.Wrap(c.EKF.Validate(), "ekf")
	case EngineLSQ:
		return errors.Wrap(c.LSQ.Validate(), "lsq")
	default:
		return errors.Errorf("unknown engine %q", c.Engine)
	}
}
