package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procmaster/internal/respawn"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procmaster.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", c.Listener.Address)
	assert.Equal(t, 20, c.Listener.Backlog)
	assert.Equal(t, 10*time.Second, c.Listener.HandshakeTimeout)
	assert.Equal(t, 30*time.Second, c.Supervisor.StopTimeout)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "/api", c.HTTP.BasePath)
	assert.True(t, c.UseOSEnv)
	assert.Empty(t, c.Processes)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
lock_file = "/tmp/pm.lock"
env = ["JBOSS_HOME=/opt/jboss", "MODE=${JBOSS_HOME}/standalone"]

[listener]
address = "0.0.0.0"
port = 9990
handshake_timeout = "3s"

[supervisor]
stop_timeout = "5s"

[server_manager]
command = ["java", "-jar", "sm.jar"]
env = ["JAVA_OPTS=-Xmx64m"]
port = 9991

[log]
level = "debug"
format = "json"
[log.file]
dir = "/var/log/procmaster"
max_size_mb = 5

[history]
dsns = ["sqlite:///tmp/history.db"]

[[processes]]
name = "Server:one"
command = ["java", "-server"]
work_dir = "/srv/one"
env = ["JAVA_OPTS=-Xmx1g"]
autostart = true
respawn = { policy = "ratelimit", limit = 3, period = "1m", backoff = ["0s", "2s"] }

[[processes]]
name = "Batch"
command = ["batch.sh"]
respawn = { policy = "never" }
`)
	c, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", c.Listener.Address)
	assert.Equal(t, 9990, c.Listener.Port)
	assert.Equal(t, 3*time.Second, c.Listener.HandshakeTimeout)
	assert.Equal(t, 5*time.Second, c.Supervisor.StopTimeout)
	assert.Equal(t, 60*time.Second, c.Supervisor.ShutdownTimeout)
	assert.Equal(t, []string{"java", "-jar", "sm.jar"}, c.ServerManager.Command)
	assert.Equal(t, map[string]string{"JAVA_OPTS": "-Xmx64m"}, EnvMap(c.ServerManager.Env))
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, "/var/log/procmaster", c.Log.File.Dir)
	assert.Equal(t, []string{"sqlite:///tmp/history.db"}, c.History.DSNs)
	assert.Equal(t, "/tmp/pm.lock", c.LockFile)

	require.Len(t, c.Processes, 2)
	one := c.Processes[0]
	assert.Equal(t, "Server:one", one.Name)
	assert.True(t, one.Autostart)
	assert.Equal(t, map[string]string{"JAVA_OPTS": "-Xmx1g"}, one.EnvMap())
	assert.Equal(t, []time.Duration{0, 2 * time.Second}, one.Respawn.Backoff)

	p, err := one.Respawn.BuildPolicy()
	require.NoError(t, err)
	assert.Equal(t, respawn.KindRateLimited, p.Name())
	p, err = c.Processes[1].Respawn.BuildPolicy()
	require.NoError(t, err)
	assert.Equal(t, respawn.KindNever, p.Name())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PROCMASTER_LISTENER_PORT", "7777")
	c, err := Load(nil, writeConfig(t, "[listener]\nport = 1\n"))
	require.NoError(t, err)
	assert.Equal(t, 7777, c.Listener.Port)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing name", "[[processes]]\ncommand = [\"x\"]\n", "name is required"},
		{"missing command", "[[processes]]\nname = \"a\"\n", "command is required"},
		{"duplicate", "[[processes]]\nname = \"a\"\ncommand = [\"x\"]\n[[processes]]\nname = \"a\"\ncommand = [\"y\"]\n", "duplicate"},
		{"bad policy", "[[processes]]\nname = \"a\"\ncommand = [\"x\"]\nrespawn = { policy = \"sometimes\" }\n", "unknown respawn policy"},
		{"bad env", "env = [\"NOEQUALS\"]\n", "KEY=VALUE"},
		{"bad port", "[listener]\nport = 70000\n", "out of range"},
		{"bad toml", "[listener\n", "read config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	c, err := LoadFile(writeConfig(t, "[[processes]]\nname = \"a\"\ncommand = [\"x\", \"y\"]\nautostart = true\n"))
	require.NoError(t, err)
	out, err := c.Marshal()
	require.NoError(t, err)

	var back Config
	require.NoError(t, toml.Unmarshal(out, &back))
	require.Len(t, back.Processes, 1)
	assert.Equal(t, []string{"x", "y"}, back.Processes[0].Command)
	assert.Equal(t, c.Listener.Address, back.Listener.Address)
}

func TestDiffProcesses(t *testing.T) {
	a := ProcConfig{Name: "a", Command: []string{"a"}}
	b := ProcConfig{Name: "b", Command: []string{"b"}}
	b2 := ProcConfig{Name: "b", Command: []string{"b", "--new"}}
	c := ProcConfig{Name: "c", Command: []string{"c"}}

	d := DiffProcesses([]ProcConfig{a, b}, []ProcConfig{b2, c})
	assert.Equal(t, []ProcConfig{c}, d.Added)
	assert.Equal(t, []ProcConfig{b2}, d.Changed)
	assert.Equal(t, []string{"a"}, d.Removed)
	assert.False(t, d.Empty())

	assert.True(t, DiffProcesses([]ProcConfig{a}, []ProcConfig{a}).Empty())
}

func TestWriteExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.toml")
	require.NoError(t, WriteExample(path))
	_, err := LoadFile(path)
	require.NoError(t, err)
	assert.Error(t, WriteExample(path))
}
