// ABOUTME: Shared liveness cache mapping ports to running hub instances.
// ABOUTME: JSON file keyed by port string; dead-pid entries are logically absent.

package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// Entry describes one hub instance in the cache file.
type Entry struct {
	PID         int      `json:"pid"`
	Cwd         string   `json:"cwd"`
	ConfigFiles []string `json:"config_files"`
	StartTime   int64    `json:"startTime"` // unix millis
}

// Cache reads and writes the shared hub cache file. Any process may read it;
// only the process owning a port writes that port's entry.
type Cache struct {
	path string
}

// CachePath resolves the cache file location. The legacy dotfile location is
// honored when it already exists; otherwise the XDG state directory is used.
// Priority: CONCLAVE_CACHE env var > ~/.conclave/hubs.json (if present) >
// XDG_STATE_HOME/conclave/hubs.json > ~/.local/state/conclave/hubs.json
func CachePath() string {
	if envPath := os.Getenv("CONCLAVE_CACHE"); envPath != "" {
		return envPath
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		legacy := filepath.Join(homeDir, ".conclave", "hubs.json")
		if _, err := os.Stat(legacy); err == nil {
			return legacy
		}
	}

	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hubs.json" // fallback
		}
		stateDir = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateDir, "conclave", "hubs.json")
}

// NewCache opens the cache at path; empty path means the default location.
func NewCache(path string) *Cache {
	if path == "" {
		path = CachePath()
	}
	return &Cache{path: path}
}

// Path returns the cache file location.
func (c *Cache) Path() string { return c.path }

// read loads the raw cache map. A missing or empty file is an empty cache,
// never an error; concurrent writers make that a normal condition.
func (c *Cache) read() (map[string]Entry, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("reading hub cache: %w", err)
	}
	if len(data) == 0 {
		return map[string]Entry{}, nil
	}
	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing hub cache %s: %w", c.path, err)
	}
	return entries, nil
}

func (c *Cache) write(entries map[string]Entry) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("writing hub cache: %w", err)
	}
	return nil
}

// Get returns the entry for a port if its process is still alive. Dead
// entries are treated as absent; pruning is the owner's job, not ours.
func (c *Cache) Get(port int) (Entry, bool, error) {
	entries, err := c.read()
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := entries[strconv.Itoa(port)]
	if !ok || !ProcessAlive(entry.PID) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// FindLive scans for a live hub serving exactly this workspace: the working
// directory and the full, order-sensitive config file list must both match.
// The lowest matching port wins so repeat lookups are stable.
func (c *Cache) FindLive(cwd string, configFiles []string) (int, Entry, bool, error) {
	entries, err := c.read()
	if err != nil {
		return 0, Entry{}, false, err
	}

	bestPort := -1
	var best Entry
	for key, entry := range entries {
		port, err := strconv.Atoi(key)
		if err != nil {
			continue // malformed key, skip
		}
		if entry.Cwd != cwd || !sameConfigFiles(entry.ConfigFiles, configFiles) {
			continue
		}
		if !ProcessAlive(entry.PID) {
			continue
		}
		if bestPort == -1 || port < bestPort {
			bestPort = port
			best = entry
		}
	}
	if bestPort == -1 {
		return 0, Entry{}, false, nil
	}
	return bestPort, best, true, nil
}

// FindLiveForDir scans for a live hub whose working directory matches,
// ignoring config files. Bridges use this: they know the workspace but not
// which configuration the hub was launched with.
func (c *Cache) FindLiveForDir(cwd string) (int, Entry, bool, error) {
	entries, err := c.read()
	if err != nil {
		return 0, Entry{}, false, err
	}

	bestPort := -1
	var best Entry
	for key, entry := range entries {
		port, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		if entry.Cwd != cwd || !ProcessAlive(entry.PID) {
			continue
		}
		if bestPort == -1 || port < bestPort {
			bestPort = port
			best = entry
		}
	}
	if bestPort == -1 {
		return 0, Entry{}, false, nil
	}
	return bestPort, best, true, nil
}

// Put records this process as the owner of port.
func (c *Cache) Put(port int, entry Entry) error {
	entries, err := c.read()
	if err != nil {
		return err
	}
	entries[strconv.Itoa(port)] = entry
	return c.write(entries)
}

// Remove deletes the port's entry, typically on clean shutdown.
func (c *Cache) Remove(port int) error {
	entries, err := c.read()
	if err != nil {
		return err
	}
	key := strconv.Itoa(port)
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return c.write(entries)
}

// ProcessAlive probes pid existence with a zero signal. EPERM means the
// process exists but belongs to someone else, which still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func sameConfigFiles(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
