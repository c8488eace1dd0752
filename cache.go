package flashnbd

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// flashcache tunables
const (
	ParamDoSync        = "do_sync"
	ParamFallowDelay   = "fallow_delay"
	ParamReclaimPolicy = "reclaim_policy"
	ParamCacheAll      = "cache_all"
	ParamZeroStats     = "zero_stats"
)

const (
	// DefaultSysctlRoot holds one directory of tunables per cache.
	DefaultSysctlRoot = "/proc/sys/dev/flashcache"
	// DefaultStatsRoot holds one directory of counters per cache.
	DefaultStatsRoot = "/proc/flashcache"
)

// cacheDir names the per cache directories, <instance>+<device>.
func cacheDir(root, name string, device int) string {
	return filepath.Join(root, fmt.Sprintf("%s+nbd%d", name, device))
}

// Tunables sets flashcache parameters of a running cache.
type Tunables interface {
	// Set writes value to param of the cache of name on nbd device. It
	// reports false without error when the cache has no such control.
	Set(name string, device int, param string, value int) (bool, error)
}

// Sysctl is the Tunables of the local kernel.
type Sysctl struct {
	Root string
}

// Set implements Tunables.
func (s Sysctl) Set(name string, device int, param string, value int) (bool, error) {
	file := filepath.Join(cacheDir(s.Root, name, device), param)
	f, err := os.OpenFile(file, os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(value)); err != nil {
		return false, errors.Wrap(err, file)
	}
	return true, nil
}

// CacheStatus is the state of a cache as reported by its device mapper
// table.
type CacheStatus struct {
	SSDDevice     string
	DiskDevice    string
	Mode          string
	Capacity      uint64
	BlockSize     uint64
	TotalBlocks   uint64
	CachedBlocks  uint64
	CachedPercent uint64
	DirtyBlocks   uint64
	DirtyPercent  uint64
	// Fields holds every labelled value of the table.
	Fields map[string]string
}

var labelled = regexp.MustCompile(`([a-z][a-z_ ]*?)\s*\(([^()]*)\)`)

// ParseCacheStatus reads the labelled "name(value)" fields of the output of
// dmsetup table for a flashcache target.
func ParseCacheStatus(table []byte) (*CacheStatus, error) {
	fields := map[string]string{}
	for _, m := range labelled.FindAllSubmatch(table, -1) {
		fields[strings.TrimSpace(string(m[1]))] = strings.TrimSpace(string(m[2]))
	}
	if _, ok := fields["dirty blocks"]; !ok {
		return nil, errors.New("no dirty blocks in cache table")
	}

	s := &CacheStatus{
		SSDDevice:  fields["ssd dev"],
		DiskDevice: fields["disk dev"],
		Mode:       fields["cache mode"],
		Fields:     fields,
	}

	var err error
	sizes := []struct {
		label string
		dest  *uint64
	}{
		{"capacity", &s.Capacity},
		{"data block size", &s.BlockSize},
	}
	for _, f := range sizes {
		if v, ok := fields[f.label]; ok {
			if *f.dest, err = parseSize(v); err != nil {
				return nil, errors.Wrap(err, f.label)
			}
		}
	}

	counts := []struct {
		label string
		dest  *uint64
	}{
		{"total blocks", &s.TotalBlocks},
		{"cached blocks", &s.CachedBlocks},
		{"cache percent", &s.CachedPercent},
		{"dirty blocks", &s.DirtyBlocks},
		{"dirty percent", &s.DirtyPercent},
	}
	for _, f := range counts {
		if v, ok := fields[f.label]; ok {
			if *f.dest, err = strconv.ParseUint(v, 10, 64); err != nil {
				return nil, errors.Wrap(err, f.label)
			}
		}
	}
	return s, nil
}

// DirtyBytes is the amount of cached data not yet written to the disk.
func (s *CacheStatus) DirtyBytes() uint64 {
	return s.DirtyBlocks * s.BlockSize
}

var units = map[byte]uint64{
	'b': 1,
	'K': 1 << 10,
	'k': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
	'T': 1 << 40,
}

func parseSize(v string) (uint64, error) {
	mult := uint64(1)
	if v != "" {
		if m, ok := units[v[len(v)-1]]; ok {
			mult = m
			v = v[:len(v)-1]
		}
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// ReadCacheCounters reads the key=value counters of the cache of name on nbd
// device from statsRoot.
func ReadCacheCounters(statsRoot, name string, device int) (map[string]uint64, error) {
	data, err := os.ReadFile(filepath.Join(cacheDir(statsRoot, name, device), "flashcache_stats"))
	if err != nil {
		return nil, err
	}

	counters := map[string]uint64{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		kv := strings.SplitN(scanner.Text(), "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.ParseUint(kv[1], 10, 64)
		if err != nil {
			continue
		}
		counters[kv[0]] = n
	}
	return counters, scanner.Err()
}
