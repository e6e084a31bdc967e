package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"
)

var profileExtensions = []string{".yaml", ".yml", ".json"}

// profileTTL bounds how long an edited profile file can go unnoticed.
const profileTTL = 30 * time.Second

// ProfileLoader finds descriptors by name in its search paths and caches
// the parsed result.
type ProfileLoader struct {
	cache       *cache.Cache
	validator   *Validator
	searchPaths []string
}

func NewProfileLoader(searchPaths []string, validator *Validator) *ProfileLoader {
	return &ProfileLoader{
		// no janitor goroutine; expired entries are replaced on the next load
		cache:       cache.New(profileTTL, 0),
		validator:   validator,
		searchPaths: searchPaths,
	}
}

func (l *ProfileLoader) SearchPaths() []string { return l.searchPaths }

func (l *ProfileLoader) Load(name string) (*types.DeviceDescriptor, error) {
	if cached, ok := l.cache.Get(name); ok {
		return cached.(*types.DeviceDescriptor), nil
	}

	for _, dir := range l.searchPaths {
		for _, ext := range profileExtensions {
			path := filepath.Join(dir, name+ext)
			desc, err := l.LoadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			l.cache.Set(name, desc, cache.DefaultExpiration)
			return desc, nil
		}
	}
	return nil, fmt.Errorf("profile %s not found in %v: %w", name, l.searchPaths, types.ErrNotFound)
}

// LoadFile reads, validates and decodes one descriptor file.
func (l *ProfileLoader) LoadFile(path string) (*types.DeviceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return l.Parse(data, strings.ToLower(filepath.Ext(path)) != ".json")
}

// Parse decodes a descriptor. YAML input is converted to JSON so that one
// schema covers both formats.
func (l *ProfileLoader) Parse(data []byte, isYAML bool) (*types.DeviceDescriptor, error) {
	if isYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w: %w", err, types.ErrProtocolViolation)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert YAML: %w: %w", err, types.ErrProtocolViolation)
		}
		data = converted
	}

	if err := l.validator.Validate(data); err != nil {
		return nil, err
	}

	var desc types.DeviceDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}
	return &desc, nil
}

// Available lists the profile names found in the search paths, without
// validating them.
func (l *ProfileLoader) Available() []string {
	seen := make(map[string]struct{})
	for _, dir := range l.searchPaths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || !slices.Contains(profileExtensions, ext) {
				continue
			}
			seen[strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (l *ProfileLoader) ClearCache() {
	l.cache.Flush()
}
