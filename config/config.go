package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// C holds the merged settings of every yaml file found at the configured path.
type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, or every .yml and .yaml file below it when it is a directory, merging the files in lexical order.
func (c *C) Load(path string) error {
	c.path = path
	c.files = make([]string, 0)

	if err := c.resolve(path, true); err != nil {
		return err
	}

	if len(c.files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	sort.Strings(c.files)
	return c.parse()
}

func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}
	return c.parseRaw([]byte(raw))
}

// RegisterReloadCallback stores a function to be called after a successful reload. Callbacks should use HasChanged
// to decide if they have anything to do, and must return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad reports whether no reload happened yet.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether the yaml rendering of k differs between the previous and the current settings.
// An empty k compares the whole config.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = c.get(k, c.Settings)
		ov = c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("key", k).WithError(err).Error("Failed to render new setting")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("key", k).WithError(err).Error("Failed to render previous setting")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from the path given to Load every time the process receives SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(ch)
				return
			case <-ch:
				c.l.WithField("path", c.path).Info("Reloading config on SIGHUP")
				c.ReloadConfig()
			}
		}
	}()
}

func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	c.snapshot()
	if err := c.Load(c.path); err != nil {
		c.l.WithField("path", c.path).WithError(err).Error("Config reload failed, keeping the previous settings")
		return
	}

	c.runCallbacks()
}

func (c *C) ReloadConfigString(raw string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	c.snapshot()
	if err := c.LoadString(raw); err != nil {
		return err
	}

	c.runCallbacks()
	return nil
}

func (c *C) snapshot() {
	c.oldSettings = maps.Clone(c.Settings)
	if c.oldSettings == nil {
		c.oldSettings = map[string]any{}
	}
}

func (c *C) runCallbacks() {
	for _, v := range c.callbacks {
		v(c)
	}
}

// GetString renders the value at k with %v, or returns d when k is unset.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	return fmt.Sprintf("%v", r)
}

// GetStringSlice renders every element of the list at k, or returns d when k is not a list.
func (c *C) GetStringSlice(k string, d []string) []string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	rv, ok := r.([]any)
	if !ok {
		return d
	}

	v := make([]string, len(rv))
	for i := range rv {
		v[i] = fmt.Sprintf("%v", rv[i])
	}

	return v
}

// GetMap returns the map at k, or d when k is not a map.
func (c *C) GetMap(k string, d map[string]any) map[string]any {
	r := c.Get(k)
	if r == nil {
		return d
	}

	v, ok := r.(map[string]any)
	if !ok {
		return d
	}

	return v
}

// GetMapSlice returns every map in the list at k. Entries that are not maps are reported as an error.
func (c *C) GetMapSlice(k string) ([]map[string]any, error) {
	r := c.Get(k)
	if r == nil {
		return nil, nil
	}

	rv, ok := r.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list, got %T", k, r)
	}

	v := make([]map[string]any, len(rv))
	for i, e := range rv {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a map, got %T", k, i, e)
		}
		v[i] = m
	}

	return v, nil
}

// GetInt parses the value at k as a decimal int, or returns d.
func (c *C) GetInt(k string, d int) int {
	r := c.GetString(k, strconv.Itoa(d))
	v, err := strconv.Atoi(r)
	if err != nil {
		return d
	}

	return v
}

// GetUint32 is GetInt limited to the uint32 range.
func (c *C) GetUint32(k string, d uint32) uint32 {
	r := c.GetInt(k, int(d))
	if r < 0 || uint64(r) > uint64(math.MaxUint32) {
		return d
	}
	return uint32(r)
}

// GetUint64 parses the value at k as a uint64, or returns d. Hex and octal prefixes are accepted so guest addresses
// can be written the way they are usually read.
func (c *C) GetUint64(k string, d uint64) uint64 {
	r := c.GetString(k, "")
	v, err := strconv.ParseUint(r, 0, 64)
	if err != nil {
		return d
	}
	return v
}

// GetByteSize parses a size such as 4096 or "64MiB" at k, or returns d.
func (c *C) GetByteSize(k string, d uint64) uint64 {
	r := c.GetString(k, "")
	if r == "" {
		return d
	}

	v, err := humanize.ParseBytes(r)
	if err != nil {
		return d
	}
	return v
}

// GetBool accepts everything strconv.ParseBool does plus y/yes/n/no, or returns d.
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, fmt.Sprintf("%v", d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}

	return v
}

// GetDuration parses the value at k with time.ParseDuration, or returns d.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	r := c.GetString(k, "")
	v, err := time.ParseDuration(r)
	if err != nil {
		return d
	}
	return v
}

// Get walks the dotted path k through nested maps and returns nil when any step is missing.
func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	for p := range strings.SplitSeq(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}

// resolve collects the config files at path. A file named directly is always taken, files found while walking a
// directory need a yaml extension.
func (c *C) resolve(path string, direct bool) error {
	i, err := os.Stat(path)
	if err != nil {
		return nil
	}

	if !i.IsDir() {
		return c.addFile(path, direct)
	}

	paths, err := readDirNames(path)
	if err != nil {
		return fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	for _, p := range paths {
		if err := c.resolve(filepath.Join(path, p), false); err != nil {
			return err
		}
	}

	return nil
}

func (c *C) addFile(path string, direct bool) error {
	ext := filepath.Ext(path)
	if !direct && ext != ".yaml" && ext != ".yml" {
		return nil
	}

	ap, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	c.files = append(c.files, ap)
	return nil
}

func (c *C) parseRaw(b []byte) error {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return err
	}

	c.Settings = m
	return nil
}

func (c *C) parse() error {
	var m map[string]any

	for _, path := range c.files {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var nm map[string]any
		if err := yaml.Unmarshal(b, &nm); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		// Device lists in separate files are concatenated
		err = mergo.Merge(&nm, m, mergo.WithAppendSlice)
		m = nm
		if err != nil {
			return err
		}
	}

	c.Settings = m
	return nil
}

func readDirNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	paths, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}
