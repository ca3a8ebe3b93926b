package feed

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/lysyi3m/job-comb/app/kv"
)

// IndexStride is the number of lines between two entries of the offset index.
const IndexStride = 64

// CorpusMeta identifies one build of the corpus file.
// It is valid only while Size and ModTime match the file on disk.
type CorpusMeta struct {
	Version string `json:"version"`
	Count   int    `json:"count"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
}

func (m *CorpusMeta) matches(info os.FileInfo) bool {
	return m.Size == info.Size() && m.ModTime == info.ModTime().UnixNano()
}

type Corpus struct {
	path  string
	store kv.Store
	group singleflight.Group
}

func NewCorpus(path string, store kv.Store) *Corpus {
	return &Corpus{path: path, store: store}
}

func (c *Corpus) Path() string { return c.path }

func (c *Corpus) GzipPath() string { return c.path + ".gz" }

func (c *Corpus) IndexPath() string { return indexPath(c.path) }

// Meta returns the current corpus metadata, recounting when the cached entry
// no longer matches the file. A missing corpus is empty.
func (c *Corpus) Meta(ctx context.Context) (*CorpusMeta, error) {
	info, err := os.Stat(c.path)
	if os.IsNotExist(err) {
		return &CorpusMeta{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat corpus")
	}

	var cached CorpusMeta
	err = kv.GetJSON(ctx, c.store, metaKey(c.path), &cached)
	switch {
	case err == nil && cached.matches(info):
		return &cached, nil
	case err != nil && !errors.Is(err, kv.ErrNotFound):
		slog.Warn("Corpus metadata unreadable, recounting", "error", err)
	}

	v, err, _ := c.group.Do("recount", func() (interface{}, error) {
		return c.recount(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CorpusMeta), nil
}

func (c *Corpus) Count(ctx context.Context) (int, error) {
	meta, err := c.Meta(ctx)
	if err != nil {
		return 0, err
	}
	return meta.Count, nil
}

func (c *Corpus) recount(ctx context.Context) (*CorpusMeta, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open corpus")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat corpus")
	}

	hasher := sha256.New()
	r := bufio.NewReaderSize(io.TeeReader(f, hasher), 64*1024)

	var (
		offsets []int64
		offset  int64
		count   int
	)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if count%IndexStride == 0 {
				offsets = append(offsets, offset)
			}
			offset += int64(len(line))
			count++
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read corpus")
		}
	}

	if err := writeIndex(c.IndexPath(), offsets); err != nil {
		return nil, err
	}

	meta := &CorpusMeta{
		Version: hex.EncodeToString(hasher.Sum(nil)),
		Count:   count,
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
	}
	if err := kv.SetJSON(ctx, c.store, metaKey(c.path), meta); err != nil {
		return nil, errors.Wrap(err, "failed to cache corpus metadata")
	}

	slog.Info("Corpus recounted", "count", count, "version", meta.Version[:12])
	return meta, nil
}

// ReadRange returns lines [start, end) without their trailing newline.
func (c *Corpus) ReadRange(ctx context.Context, start, end int) ([]string, error) {
	if start < 0 {
		start = 0
	}
	if end <= start {
		return nil, nil
	}

	// Refreshes the index when the file changed since it was written.
	if _, err := c.Meta(ctx); err != nil {
		return nil, err
	}

	offsets, err := readIndex(c.IndexPath())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to open corpus")
	}
	defer f.Close()

	block := start / IndexStride
	if block >= len(offsets) {
		block = len(offsets) - 1
	}
	line := 0
	if block >= 0 {
		if _, err := f.Seek(offsets[block], io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "failed to seek corpus")
		}
		line = block * IndexStride
	}

	r := bufio.NewReaderSize(f, 64*1024)
	lines := make([]string, 0, end-start)
	for line < end {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := r.ReadString('\n')
		if raw == "" && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "failed to read corpus")
		}
		if line >= start {
			lines = append(lines, strings.TrimRight(raw, "\r\n"))
		}
		line++
		if err == io.EOF {
			break
		}
	}

	return lines, nil
}

func metaKey(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "corpus:meta:" + abs
}

func indexPath(corpusPath string) string {
	return corpusPath + ".idx"
}

func writeIndex(path string, offsets []int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create index file")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := binary.Write(w, binary.LittleEndian, offsets); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write index")
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write index")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close index")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "failed to move index into place")
}

func readIndex(path string) ([]int64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read index")
	}

	offsets := make([]int64, len(data)/8)
	for i := range offsets {
		offsets[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return offsets, nil
}
