package feed

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"

	"github.com/lysyi3m/job-comb/app/kv"
)

type Combiner struct {
	store kv.Store
}

func NewCombiner(store kv.Store) *Combiner {
	return &Combiner{store: store}
}

// Combine concatenates staging files into outputPath, writing the gzip copy,
// offset index and metadata in the same pass. Missing staging files are skipped.
func (c *Combiner) Combine(ctx context.Context, feedPaths []string, outputPath string) (int, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, errors.Wrap(err, "failed to create corpus directory")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(outputPath)+".*.tmp")
	if err != nil {
		return 0, errors.Wrap(err, "failed to create temp corpus")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	gzTmp, err := os.CreateTemp(dir, filepath.Base(outputPath)+".gz.*.tmp")
	if err != nil {
		return 0, errors.Wrap(err, "failed to create temp gzip corpus")
	}
	defer os.Remove(gzTmp.Name())
	defer gzTmp.Close()

	gz := gzip.NewWriter(gzTmp)
	hasher := sha256.New()
	w := bufio.NewWriterSize(io.MultiWriter(tmp, gz, hasher), 64*1024)

	var (
		offsets []int64
		offset  int64
		count   int
	)

	for _, path := range feedPaths {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, err := c.appendFile(path, w, &offsets, &offset, &count)
		if os.IsNotExist(errors.UnwrapAll(err)) {
			slog.Warn("Staging file missing, skipping", "path", path)
			continue
		}
		if err != nil {
			return 0, err
		}
		slog.Debug("Staging file combined", "path", path, "records", n)
	}

	if err := w.Flush(); err != nil {
		return 0, errors.Wrap(err, "failed to flush corpus")
	}
	if err := gz.Close(); err != nil {
		return 0, errors.Wrap(err, "failed to finish gzip corpus")
	}
	if err := gzTmp.Close(); err != nil {
		return 0, errors.Wrap(err, "failed to close gzip corpus")
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.Wrap(err, "failed to close corpus")
	}

	if err := os.Rename(gzTmp.Name(), outputPath+".gz"); err != nil {
		return 0, errors.Wrap(err, "failed to move gzip corpus into place")
	}
	if err := os.Rename(tmp.Name(), outputPath); err != nil {
		return 0, errors.Wrap(err, "failed to move corpus into place")
	}
	if err := writeIndex(indexPath(outputPath), offsets); err != nil {
		return 0, err
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return 0, errors.Wrap(err, "failed to stat corpus")
	}

	meta := CorpusMeta{
		Version: hex.EncodeToString(hasher.Sum(nil)),
		Count:   count,
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
	}
	if err := kv.SetJSON(ctx, c.store, metaKey(outputPath), meta); err != nil {
		return 0, errors.Wrap(err, "failed to store corpus metadata")
	}

	slog.Info("Corpus combined", "feeds", len(feedPaths), "records", count, "bytes", meta.Size)
	return count, nil
}

// appendFile copies non-blank lines of path to w, terminating each with a newline.
func (c *Combiner) appendFile(path string, w io.Writer, offsets *[]int64, offset *int64, count *int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open staging file %s", path)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	n := 0
	for {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return n, errors.Wrapf(readErr, "failed to read staging file %s", path)
		}

		if len(bytes.TrimSpace(line)) > 0 {
			if line[len(line)-1] != '\n' {
				line = append(line, '\n')
			}
			if *count%IndexStride == 0 {
				*offsets = append(*offsets, *offset)
			}
			if _, err := w.Write(line); err != nil {
				return n, errors.Wrap(err, "failed to write corpus")
			}
			*offset += int64(len(line))
			*count++
			n++
		}

		if readErr == io.EOF {
			return n, nil
		}
	}
}
