package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/popkunst/storefront/internal/domain/discount"
)

func stringOpener(s string) (opener, *int) {
	var opened int
	return func() (io.ReadCloser, error) {
		opened++
		return io.NopCloser(strings.NewReader(s)), nil
	}, &opened
}

func codesOf(codes []discount.Code) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.Code
	}
	return out
}

func TestParseCodes(t *testing.T) {
	const file = `code,percent_off,amount_off,free_shipping,uses_remaining,expires_at,active
 sommer20 ,20,,,,,
FRAKTFRI,,,true,100,2026-12-31T23:59:59Z,
HUNDRE,,100,,,,false
HALV,,49.50,,,,
`
	codes, err := parseCodes(strings.NewReader(file))
	require.NoError(t, err)
	require.Len(t, codes, 4)

	assert.Equal(t, "SOMMER20", codes[0].Code)
	assert.True(t, codes[0].PercentOff.Equal(decimal.NewFromInt(20)))
	assert.True(t, codes[0].IsActive)
	assert.Nil(t, codes[0].UsesRemaining)

	assert.True(t, codes[1].FreeShipping)
	require.NotNil(t, codes[1].UsesRemaining)
	assert.Equal(t, 100, *codes[1].UsesRemaining)
	require.NotNil(t, codes[1].ExpiresAt)
	assert.Equal(t, 2026, codes[1].ExpiresAt.Year())

	assert.EqualValues(t, 10000, codes[2].AmountOff)
	assert.False(t, codes[2].IsActive)

	assert.EqualValues(t, 4950, codes[3].AmountOff)
}

func TestParseCodes_RowErrors(t *testing.T) {
	const file = `code,percent_off,amount_off,free_shipping,uses_remaining
GOOD,10,,,
,10,,,
TOOMUCH,150,,,
BOTH,10,50,,
NOTHING,,,,
FRACTION,,0.005,,
NEGATIVE,10,,,-1
GOOD,15,,,
`
	codes, err := parseCodes(strings.NewReader(file))
	require.Error(t, err)
	assert.Equal(t, []string{"GOOD"}, codesOf(codes))

	errs := multierr.Errors(err)
	require.Len(t, errs, 7)
	assert.Contains(t, errs[0].Error(), "line 3")
	assert.Contains(t, errs[0].Error(), "empty code")
	assert.Contains(t, errs[1].Error(), "outside (0, 100]")
	assert.Contains(t, errs[2].Error(), "not both")
	assert.Contains(t, errs[3].Error(), "grants nothing")
	assert.Contains(t, errs[4].Error(), "whole øre")
	assert.Contains(t, errs[5].Error(), "uses_remaining")
	assert.Contains(t, errs[6].Error(), "duplicate code GOOD, first on line 2")
}

func TestParseCodes_Header(t *testing.T) {
	_, err := parseCodes(strings.NewReader("name,percent_off\nX,10\n"))
	require.ErrorContains(t, err, "no code column")

	_, err = parseCodes(strings.NewReader(""))
	require.Error(t, err)
}

func TestParseExpiry(t *testing.T) {
	ts, err := parseExpiry("2026-06-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 12, ts.Hour())

	day, err := parseExpiry("2026-06-01")
	require.NoError(t, err)
	assert.Equal(t, 1, day.Day())
	assert.Equal(t, 23, day.Hour())
	assert.Equal(t, 59, day.Second())

	_, err = parseExpiry("01.06.2026")
	require.Error(t, err)
}

func TestExcludeRevoked(t *testing.T) {
	codes := []discount.Code{{Code: "SOMMER20"}, {Code: "VINTER10"}, {Code: "HOST15"}}
	open, opened := stringOpener("# revoked codes\nvinter10\n\nOLD1\nOLD2\n")

	kept, dropped, err := excludeRevoked(context.Background(), codes, open)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOMMER20", "HOST15"}, codesOf(kept))
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 2, *opened, "revoked list is streamed twice")
}

func TestExcludeRevoked_NoHits(t *testing.T) {
	codes := []discount.Code{{Code: "SOMMER20"}}
	open, opened := stringOpener("OLD1\nOLD2\n")

	kept, dropped, err := excludeRevoked(context.Background(), codes, open)
	require.NoError(t, err)
	assert.Equal(t, codes, kept)
	assert.Zero(t, dropped)
	assert.Equal(t, 1, *opened, "second pass skipped without filter hits")
}

func TestExcludeRevoked_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	open, _ := stringOpener("OLD1\n")

	_, _, err := excludeRevoked(ctx, []discount.Code{{Code: "A"}}, open)
	require.ErrorIs(t, err, context.Canceled)
}

func writeGzip(t *testing.T, path, content string) {
	t.Helper()
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	_, err := zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func TestLoadCodes(t *testing.T) {
	dir := t.TempDir()
	codesPath := filepath.Join(dir, "codes.csv.gz")
	revokedPath := filepath.Join(dir, "revoked.txt.gz")
	writeGzip(t, codesPath, "code,percent_off\nSOMMER20,20\nVINTER10,10\nBAD,abc\n")
	writeGzip(t, revokedPath, "VINTER10\n")

	t.Run("lenient", func(t *testing.T) {
		codes, err := loadCodes(context.Background(), fileOpener(codesPath), importOptions{revoked: revokedPath})
		require.NoError(t, err)
		assert.Equal(t, []string{"SOMMER20"}, codesOf(codes))
	})
	t.Run("strict", func(t *testing.T) {
		_, err := loadCodes(context.Background(), fileOpener(codesPath), importOptions{strict: true})
		require.ErrorContains(t, err, "BAD: percent_off")
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := loadCodes(context.Background(), fileOpener(filepath.Join(dir, "nope.csv")), importOptions{})
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

type recordingUpserter struct {
	batches [][]discount.Code
	err     error
}

func (r *recordingUpserter) UpsertBatch(_ context.Context, codes []discount.Code) error {
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, codes)
	return nil
}

func TestWriteCodes(t *testing.T) {
	codes := make([]discount.Code, importBatchSize*2+3)
	repo := &recordingUpserter{}
	require.NoError(t, writeCodes(context.Background(), repo, codes))
	require.Len(t, repo.batches, 3)
	assert.Len(t, repo.batches[0], importBatchSize)
	assert.Len(t, repo.batches[2], 3)

	repo = &recordingUpserter{err: errors.New("connection reset")}
	err := writeCodes(context.Background(), repo, codes)
	require.ErrorContains(t, err, "write codes 1-500")
}
