package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/vring/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	// invalid yaml
	c := NewC(l)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte(" invalid yaml"), 0644))
	assert.ErrorContains(t, c.Load(dir), "cannot unmarshal !!str `invalid...`")

	// simple multi config merge
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte("outer:\n  inner: hi\ndevices:\n  - name: a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yml"), []byte("outer:\n  inner: override\nnew: hi\ndevices:\n  - name: b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not: yaml: at all"), 0644))

	c = NewC(l)
	require.NoError(t, c.Load(dir))
	expected := map[string]any{
		"outer": map[string]any{
			"inner": "override",
		},
		"new": "hi",
		"devices": []any{
			map[string]any{"name": "b"},
			map[string]any{"name": "a"},
		},
	}
	assert.Equal(t, expected, c.Settings)

	// a missing path finds nothing
	c = NewC(l)
	assert.EqualError(t, c.Load(filepath.Join(dir, "nope")), "no config files found at "+filepath.Join(dir, "nope"))
}

func TestConfig_LoadString(t *testing.T) {
	c := NewC(test.NewLogger())
	assert.EqualError(t, c.LoadString(""), "empty configuration")
	require.NoError(t, c.LoadString("memory:\n  size: 64MiB"))
	assert.Equal(t, "64MiB", c.GetString("memory.size", ""))
}

func TestConfig_Get(t *testing.T) {
	l := test.NewLogger()
	// test simple type
	c := NewC(l)
	c.Settings["memory"] = map[string]any{"size": "hi"}
	assert.Equal(t, "hi", c.Get("memory.size"))

	// test complex type
	inner := []map[string]any{{"name": "vda", "type": "blk"}}
	c.Settings["memory"] = map[string]any{"size": inner}
	assert.EqualValues(t, inner, c.Get("memory.size"))

	// test missing
	assert.Nil(t, c.Get("memory.nope"))
	assert.False(t, c.IsSet("memory.nope"))
	assert.True(t, c.IsSet("memory.size"))
}

func TestConfig_GetStringSlice(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["slice"] = []any{"one", "two"}
	assert.Equal(t, []string{"one", "two"}, c.GetStringSlice("slice", []string{}))
	assert.Equal(t, []string{"d"}, c.GetStringSlice("missing", []string{"d"}))
}

func TestConfig_GetMapSlice(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString("devices:\n  - name: vda\n    queue_size: 128\n  - name: net0\n"))

	v, err := c.GetMapSlice("devices")
	require.NoError(t, err)
	require.Len(t, v, 2)
	assert.Equal(t, "vda", v[0]["name"])
	assert.Equal(t, 128, v[0]["queue_size"])
	assert.Equal(t, "net0", v[1]["name"])

	v, err = c.GetMapSlice("missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	c.Settings["devices"] = "vda"
	_, err = c.GetMapSlice("devices")
	assert.EqualError(t, err, "devices must be a list, got string")

	c.Settings["devices"] = []any{"vda"}
	_, err = c.GetMapSlice("devices")
	assert.EqualError(t, err, "devices[0] must be a map, got string")
}

func TestConfig_GetNumbers(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString("a: 256\nb: -1\nbase: 0x100000\nsize: 64MiB\nraw: 4096\nbad: lots\nd: 5s"))

	assert.Equal(t, 256, c.GetInt("a", 1))
	assert.Equal(t, uint32(256), c.GetUint32("a", 1))
	assert.Equal(t, uint32(7), c.GetUint32("b", 7))

	assert.Equal(t, uint64(0x100000), c.GetUint64("base", 0))
	assert.Equal(t, uint64(9), c.GetUint64("bad", 9))

	assert.Equal(t, uint64(64<<20), c.GetByteSize("size", 0))
	assert.Equal(t, uint64(4096), c.GetByteSize("raw", 0))
	assert.Equal(t, uint64(1), c.GetByteSize("bad", 1))
	assert.Equal(t, uint64(2), c.GetByteSize("missing", 2))

	assert.Equal(t, 5*time.Second, c.GetDuration("d", time.Second))
	assert.Equal(t, time.Second, c.GetDuration("bad", time.Second))
}

func TestConfig_GetBool(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["bool"] = true
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "true"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = false
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "false"
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "Y"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "yEs"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "N"
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "nO"
	assert.Equal(t, false, c.GetBool("bool", true))
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()
	// No reload has occurred, return false
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	// Test key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	// No key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfigString(t *testing.T) {
	l := test.NewLogger()
	done := make(chan bool, 1)

	c := NewC(l)
	require.NoError(t, c.LoadString("outer:\n  inner: hi"))
	assert.True(t, c.InitialLoad())

	assert.False(t, c.HasChanged("outer.inner"))
	assert.False(t, c.HasChanged("outer"))
	assert.False(t, c.HasChanged(""))

	c.RegisterReloadCallback(func(c *C) {
		done <- true
	})

	require.NoError(t, c.ReloadConfigString("outer:\n  inner: ho"))
	assert.False(t, c.InitialLoad())
	assert.True(t, c.HasChanged("outer.inner"))
	assert.True(t, c.HasChanged("outer"))
	assert.True(t, c.HasChanged(""))

	// Make sure we call the callbacks
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConfig_ReloadConfig(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()
	p := filepath.Join(dir, "vring.yml")
	require.NoError(t, os.WriteFile(p, []byte("logging:\n  level: info"), 0644))

	c := NewC(l)
	require.NoError(t, c.Load(p))

	called := 0
	c.RegisterReloadCallback(func(c *C) {
		called++
	})

	require.NoError(t, os.WriteFile(p, []byte("logging:\n  level: debug"), 0644))
	c.ReloadConfig()
	assert.Equal(t, 1, called)
	assert.True(t, c.HasChanged("logging.level"))
	assert.Equal(t, "debug", c.GetString("logging.level", ""))

	// A broken file keeps the previous settings and skips the callbacks
	require.NoError(t, os.WriteFile(p, []byte(" invalid yaml"), 0644))
	c.ReloadConfig()
	assert.Equal(t, 1, called)
	assert.Equal(t, "debug", c.GetString("logging.level", ""))
}
