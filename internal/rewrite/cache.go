package rewrite

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Cache memoizes rewrites in memory and as an append-only JSONL file of
// ["key","value"] tuples. It outlives individual runs.
type Cache struct {
	mu   sync.Mutex
	path string
	m    map[string]string
}

// LoadCache reads an existing cache file into memory. A missing file yields
// an empty cache; malformed lines are skipped.
func LoadCache(path string) (*Cache, error) {
	c := &Cache{path: path, m: make(map[string]string)}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var tuple [2]string
		if err := json.Unmarshal(sc.Bytes(), &tuple); err != nil {
			continue
		}
		c.m[tuple[0]] = tuple[1]
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

// Put stores the entry in memory and appends it to the cache file. The file
// append happens under the same lock so tuples never interleave.
func (c *Cache) Put(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal([2]string{key, value})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
		return err
	}
	return nil
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
