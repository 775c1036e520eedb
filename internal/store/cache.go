package store

import (
	"io/fs"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

type cachedDoc struct {
	modTime time.Time
	size    int64
	data    []byte
}

// docCache keeps recently read documents keyed by absolute path. An entry is
// only served while the file's mtime and size still match.
type docCache struct {
	c *ristretto.Cache[string, *cachedDoc]
}

func newDocCache(maxCostBytes int64) (*docCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *cachedDoc]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &docCache{c: c}, nil
}

func (d *docCache) get(path string, info fs.FileInfo) ([]byte, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.c.Get(path)
	if !ok || v == nil {
		return nil, false
	}
	if !v.modTime.Equal(info.ModTime()) || v.size != info.Size() {
		d.c.Del(path)
		return nil, false
	}
	return v.data, true
}

func (d *docCache) set(path string, info fs.FileInfo, data []byte) {
	if d == nil {
		return
	}
	d.c.Set(path, &cachedDoc{modTime: info.ModTime(), size: info.Size(), data: data}, int64(len(data)))
}

func (d *docCache) del(path string) {
	if d == nil {
		return
	}
	d.c.Del(path)
}

func (d *docCache) close() {
	if d == nil {
		return
	}
	d.c.Close()
}
