package config

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_JSON(t *testing.T) {
	var v struct {
		D Duration `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"d":"1m30s"}`), &v))
	assert.Equal(t, Duration(90*time.Second), v.D)

	require.NoError(t, json.Unmarshal([]byte(`{"d":1000}`), &v))
	assert.Equal(t, Duration(time.Microsecond), v.D)

	assert.Error(t, json.Unmarshal([]byte(`{"d":true}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"d":"soon"}`), &v))

	raw, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(raw))
}

func TestDuration_YAML(t *testing.T) {
	var v struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 250ms\n"), &v))
	assert.Equal(t, Duration(250*time.Millisecond), v.D)

	require.NoError(t, yaml.Unmarshal([]byte("d: 5\n"), &v))
	assert.Equal(t, Duration(5), v.D)

	raw, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "d: 5ns\n", string(raw))
}

func TestComms_Validate(t *testing.T) {
	require.NoError(t, DefaultComms().Validate())

	cases := map[string]func(c *Comms){
		"port":      func(c *Comms) { c.Port = 0 },
		"frequency": func(c *Comms) { c.FundamentalFrequency = 1000 },
		"limits":    func(c *Comms) { c.InboxPendingLimit = 0 },
		"timeout":   func(c *Comms) { c.ClientTimeout = -1 },
		"scale":     func(c *Comms) { c.CommsControlTimeWarpScaleFactor = 2 },
		"warp":      func(c *Comms) { c.MOOSTimeWarp = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultComms()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestComms_Derived(t *testing.T) {
	c := DefaultComms()
	c.Community = "alpha"
	c.ClientTimeout = Duration(3 * time.Second)
	c.ExpectOutboxOverflow = true
	c.MOOSTimeWarp = 4

	cc := c.ClientConfig()
	assert.True(t, cc.ExpectOutboxOverflow)
	assert.Equal(t, c.OutboxPendingLimit, cc.OutboxPendingLimit)

	sc := c.ServerConfig("DB")
	assert.Equal(t, "DB", sc.Name)
	assert.Equal(t, "alpha", sc.Community)
	assert.Equal(t, 3*time.Second, sc.ClientTimeout)

	assert.Equal(t, 4.0, c.TimeSource().Warp())
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatOf("a/b.yaml"))
	assert.Equal(t, FormatYAML, FormatOf("b.YML"))
	assert.Equal(t, FormatJSON, FormatOf("b.json"))
	assert.Equal(t, FormatJSON, FormatOf("b"))
}

func TestDecode_UnknownFields(t *testing.T) {
	c := DefaultComms()
	err := Decode(strings.NewReader(`{"prot": 9001}`), FormatJSON, &c)
	assert.Error(t, err)

	err = Decode(strings.NewReader("prot: 9001\n"), FormatYAML, &c)
	assert.Error(t, err)

	err = Decode(strings.NewReader(""), "toml", &c)
	assert.Equal(t, ErrUnknownFormat, errors.Cause(err))
}

func TestDecode_KeepsDefaults(t *testing.T) {
	c := DefaultDB()
	require.NoError(t, Decode(strings.NewReader("name: DB2\ncomms:\n  port: 9100\n"), FormatYAML, &c))
	assert.Equal(t, "DB2", c.Name)
	assert.Equal(t, 9100, c.Comms.Port)
	assert.Equal(t, "memory", c.Snapshot.Kind)
	assert.Equal(t, DefaultComms().Community, c.Comms.Community)

	c = DefaultDB()
	require.NoError(t, ReadAll(bytes.NewReader(nil), FormatYAML, &c))
	assert.Equal(t, DefaultDB(), c)
}

func TestWriteLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "moos-config")
	require.NoError(t, err)
	defer func() { require.NoError(t, os.RemoveAll(dir)) }()

	for _, name := range []string{"db.json", "sub/db.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			want := DefaultDB()
			want.HTTPAddr = ":8080"
			want.Snapshot = Snapshot{Kind: "bbolt", Path: "/tmp/moos.db"}

			require.NoError(t, Write(want, path, false))
			assert.Error(t, Write(want, path, false))
			require.NoError(t, Write(want, path, true))

			got := DefaultDB()
			require.NoError(t, Load(path, &got))
			assert.Equal(t, want, got)
		})
	}

	assert.Error(t, Load(filepath.Join(dir, "missing.yaml"), &struct{}{}))
}

func TestDB_Validate(t *testing.T) {
	require.NoError(t, DefaultDB().Validate())

	c := DefaultDB()
	c.Snapshot.Kind = "bbolt"
	assert.Error(t, c.Validate())
	c.Snapshot.Path = "moos.db"
	assert.NoError(t, c.Validate())

	c.Snapshot.Kind = "redis"
	assert.Error(t, c.Validate())

	c = DefaultDB()
	c.Comms.Port = -1
	assert.Error(t, c.Validate())

	dc := DefaultDB().DBConfig()
	assert.Equal(t, "MOOSDB", dc.Name)
	assert.Equal(t, time.Second, dc.TickInterval)
}

func TestNav_Validate(t *testing.T) {
	require.NoError(t, DefaultNav().Validate())

	c := DefaultNav()
	c.Engine = "particle"
	assert.Error(t, c.Validate())

	c = DefaultNav()
	c.Engine = EngineLSQ
	assert.NoError(t, c.Validate())

	c = DefaultNav()
	c.EKF.MaxSlice = 0
	assert.Error(t, c.Validate())
	c.Engine = EngineLSQ
	assert.NoError(t, c.Validate())

	c = DefaultNav()
	c.Navigator.Prefix = ""
	assert.Error(t, c.Validate())
}

func TestComms_ApplyEnv(t *testing.T) {
	require.NoError(t, os.Setenv(EnvPort, "9100"))
	require.NoError(t, os.Setenv(EnvCommunity, "beta"))
	defer func() {
		require.NoError(t, os.Unsetenv(EnvPort))
		require.NoError(t, os.Unsetenv(EnvCommunity))
	}()

	c := DefaultComms()
	c.ApplyEnv()
	assert.Equal(t, 9100, c.Port)
	assert.Equal(t, "beta", c.Community)
	assert.Equal(t, DefaultComms().Host, c.Host)
	assert.Equal(t, 1.0, c.MOOSTimeWarp)
	assert.Equal(t, DefaultComms().ClientTimeout, c.ClientTimeout)
	assert.False(t, c.DoLocalTimeCorrection)
}

func TestComms_ApplyEnvTiming(t *testing.T) {
	require.NoError(t, os.Setenv(EnvClientTimeout, "2500ms"))
	require.NoError(t, os.Setenv(EnvLocalTimeCorrection, "true"))
	defer func() {
		require.NoError(t, os.Unsetenv(EnvClientTimeout))
		require.NoError(t, os.Unsetenv(EnvLocalTimeCorrection))
	}()

	c := DefaultComms()
	c.ApplyEnv()
	assert.Equal(t, Duration(2500*time.Millisecond), c.ClientTimeout)
	assert.True(t, c.DoLocalTimeCorrection)

	require.NoError(t, os.Setenv(EnvClientTimeout, "soon"))
	c = DefaultComms()
	c.ApplyEnv()
	assert.Equal(t, DefaultComms().ClientTimeout, c.ClientTimeout, "unparsable values are ignored")
}

func TestSnapshot_FilePath(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	p, err := Snapshot{Kind: "bbolt", Path: "~/moos/snap.db"}.FilePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "moos", "snap.db"), p)

	p, err = Snapshot{Kind: "bbolt", Path: "/var/lib/moos.db"}.FilePath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/moos.db", p)

	p, err = Snapshot{Kind: "memory"}.FilePath()
	require.NoError(t, err)
	assert.Empty(t, p)
}
