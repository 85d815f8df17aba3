// Package filter decides which classes are recorded.
package filter

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"
)

// DefaultCacheSize bounds the decision cache. An evicted decision is simply
// evaluated again.
const DefaultCacheSize = 1 << 16

// Lists holds the allow and deny substrings, in load order.
type Lists struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// Empty reports whether no substrings are configured.
func (l Lists) Empty() bool {
	return len(l.Allow) == 0 && len(l.Deny) == 0
}

// add appends s to list unless already present.
func add(list []string, s string) []string {
	if slices.Contains(list, s) {
		return list
	}
	return append(list, s)
}

// Engine answers IsExcluded for class names. Safe for concurrent use.
type Engine struct {
	lists Lists
	cache *lru.SyncedLRU[string, bool]
}

// hashString is the freelru hash callback for string keys.
func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// New creates an Engine over the given lists.
func New(lists Lists) (*Engine, error) {
	return NewWithCacheSize(lists, DefaultCacheSize)
}

// NewWithCacheSize creates an Engine whose decision cache holds at most size
// entries.
func NewWithCacheSize(lists Lists, size uint32) (*Engine, error) {
	cache, err := lru.NewSynced[string, bool](size, hashString)
	if err != nil {
		return nil, fmt.Errorf("filter: create decision cache: %w", err)
	}
	return &Engine{lists: lists, cache: cache}, nil
}

// Lists returns the configured lists.
func (e *Engine) Lists() Lists {
	return e.lists
}

// IsExcluded reports whether events for className should be dropped.
// A name containing any allow entry is never excluded, even if it also
// contains a deny entry. Otherwise a deny match excludes it. Names matching
// neither list are recorded.
func (e *Engine) IsExcluded(className string) bool {
	if excluded, ok := e.cache.Get(className); ok {
		return excluded
	}
	excluded := e.evaluate(className)
	e.cache.Add(className, excluded)
	return excluded
}

func (e *Engine) evaluate(className string) bool {
	for _, s := range e.lists.Allow {
		if strings.Contains(className, s) {
			return false
		}
	}
	for _, s := range e.lists.Deny {
		if strings.Contains(className, s) {
			return true
		}
	}
	return false
}

// CachedDecisions returns the number of memoized decisions.
func (e *Engine) CachedDecisions() int {
	return e.cache.Len()
}

// Load reads filter lists from path. Files ending in .yaml or .yml are parsed
// as YAML; anything else uses the line format, where a line starting with '+'
// adds an allow entry and any other first character adds a deny entry. The
// first character is always stripped and blank entries are skipped.
func Load(path string) (Lists, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lists{}, fmt.Errorf("filter: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw Lists
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Lists{}, fmt.Errorf("filter: parse %s: %w", path, err)
		}
		var l Lists
		for _, s := range raw.Allow {
			if s != "" {
				l.Allow = add(l.Allow, s)
			}
		}
		for _, s := range raw.Deny {
			if s != "" {
				l.Deny = add(l.Deny, s)
			}
		}
		return l, nil
	default:
		return ParseLines(data)
	}
}

// ParseLines parses the line-oriented filter format.
func ParseLines(data []byte) (Lists, error) {
	var l Lists
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if len(line) < 2 {
			continue
		}
		entry := line[1:]
		if line[0] == '+' {
			l.Allow = add(l.Allow, entry)
		} else {
			l.Deny = add(l.Deny, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return Lists{}, fmt.Errorf("filter: scan: %w", err)
	}
	return l, nil
}
