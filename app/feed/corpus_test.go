package feed

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/job-comb/app/kv"
)

func writeStaging(t *testing.T, dir, name string, lines []string, trailingNewline bool) string {
	t.Helper()
	content := strings.Join(lines, "\n")
	if trailingNewline {
		content += "\n"
	}
	path := filepath.Join(dir, name+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func numberedLines(prefix string, n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf(`{"identifier":"%s-%d"}`, prefix, i)
	}
	return lines
}

func TestCombineConcatenatesFeeds(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := kv.NewMemory()

	a := writeStaging(t, dir, "a", []string{`{"identifier":"a1"}`, `{"identifier":"a2"}`}, false)
	b := writeStaging(t, dir, "b", []string{`{"identifier":"b1"}`, "", `{"identifier":"b2"}`}, true)
	missing := filepath.Join(dir, "missing.jsonl")
	out := filepath.Join(dir, "corpus.jsonl")

	n, err := NewCombiner(store).Combine(ctx, []string{a, missing, b}, out)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	expected := `{"identifier":"a1"}` + "\n" + `{"identifier":"a2"}` + "\n" + `{"identifier":"b1"}` + "\n" + `{"identifier":"b2"}` + "\n"
	assert.Equal(t, expected, string(data))

	gzFile, err := os.Open(out + ".gz")
	require.NoError(t, err)
	defer gzFile.Close()
	gz, err := gzip.NewReader(gzFile)
	require.NoError(t, err)
	unzipped, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, expected, string(unzipped))

	corpus := NewCorpus(out, store)
	meta, err := corpus.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, meta.Count)
	assert.Len(t, meta.Version, 64)

	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	assert.Empty(t, leftovers)
}

func TestCorpusReadRangeAcrossIndexBlocks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := kv.NewMemory()

	staged := writeStaging(t, dir, "big", numberedLines("x", 150), true)
	out := filepath.Join(dir, "corpus.jsonl")
	_, err := NewCombiner(store).Combine(ctx, []string{staged}, out)
	require.NoError(t, err)

	offsets, err := readIndex(indexPath(out))
	require.NoError(t, err)
	require.Len(t, offsets, 3)
	assert.Equal(t, int64(0), offsets[0])

	corpus := NewCorpus(out, store)

	lines, err := corpus.ReadRange(ctx, 60, 70)
	require.NoError(t, err)
	require.Len(t, lines, 10)
	assert.Equal(t, `{"identifier":"x-60"}`, lines[0])
	assert.Equal(t, `{"identifier":"x-69"}`, lines[9])

	lines, err = corpus.ReadRange(ctx, 128, 200)
	require.NoError(t, err)
	require.Len(t, lines, 22)
	assert.Equal(t, `{"identifier":"x-128"}`, lines[0])
	assert.Equal(t, `{"identifier":"x-149"}`, lines[21])

	lines, err = corpus.ReadRange(ctx, 150, 160)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestCorpusCountTracksRebuilds(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := kv.NewMemory()
	out := filepath.Join(dir, "corpus.jsonl")
	corpus := NewCorpus(out, store)

	count, err := corpus.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "missing corpus is empty")

	// A corpus written outside the combiner is counted and indexed on demand.
	require.NoError(t, os.WriteFile(out, []byte(strings.Join(numberedLines("y", 70), "\n")), 0644))
	first, err := corpus.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, 70, first.Count, "last line without newline still counts")

	lines, err := corpus.ReadRange(ctx, 64, 70)
	require.NoError(t, err)
	require.Len(t, lines, 6)
	assert.Equal(t, `{"identifier":"y-69"}`, lines[5])

	// Rebuilding invalidates the cached count without manual steps.
	require.NoError(t, os.WriteFile(out, []byte(strings.Join(numberedLines("z", 5), "\n")+"\n"), 0644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(out, future, future))

	second, err := corpus.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, second.Count)
	assert.NotEqual(t, first.Version, second.Version)
}
