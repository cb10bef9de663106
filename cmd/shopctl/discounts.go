package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/popkunst/storefront/internal/domain/discount"
	"github.com/popkunst/storefront/internal/storage/postgres"
)

const (
	revokedCapacity = 1_000_000
	revokedFPR      = 0.001
	importBatchSize = 500
)

var hundred = decimal.NewFromInt(100)

// opener returns a fresh reader over the same content on every call.
type opener func() (io.ReadCloser, error)

type discountUpserter interface {
	UpsertBatch(ctx context.Context, codes []discount.Code) error
}

type importOptions struct {
	revoked string
	strict  bool
	dryRun  bool
}

func discountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discounts",
		Short: "Manage discount codes",
	}

	var opts importOptions
	imp := &cobra.Command{
		Use:   "import <codes.csv[.gz]>",
		Short: "Create or update discount codes from a CSV file",
		Long: `Create or update discount codes from a CSV file with a header row.

Columns: code (required), percent_off, amount_off (NOK), free_shipping,
uses_remaining, expires_at (RFC 3339 or YYYY-MM-DD), active.

Files ending in .gz are decompressed. Codes listed in the --revoked file
(one per line, optionally gzip-compressed) are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			codes, err := loadCodes(ctx, fileOpener(args[0]), opts)
			if err != nil {
				return err
			}
			if opts.dryRun {
				zctx.From(ctx).Info("Dry run, nothing written", zap.Int("codes", len(codes)))
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return errors.Wrap(err, "connect to database")
			}
			defer pool.Close()

			return writeCodes(ctx, postgres.NewDiscountRepository(pool), codes)
		},
	}
	imp.Flags().StringVar(&opts.revoked, "revoked", "", "file of revoked codes to exclude")
	imp.Flags().BoolVar(&opts.strict, "strict", false, "abort on any invalid row instead of skipping it")
	imp.Flags().BoolVar(&opts.dryRun, "dry-run", false, "validate the file without writing")

	cmd.AddCommand(imp)
	return cmd
}

// loadCodes parses the code file and drops revoked codes.
func loadCodes(ctx context.Context, open opener, opts importOptions) ([]discount.Code, error) {
	lg := zctx.From(ctx)

	rc, err := open()
	if err != nil {
		return nil, err
	}
	codes, rowErr := parseCodes(rc)
	_ = rc.Close()

	if rowErr != nil {
		if opts.strict || len(codes) == 0 {
			return nil, errors.Wrap(rowErr, "parse codes")
		}
		for _, err := range multierr.Errors(rowErr) {
			lg.Warn("Skipping row", zap.Error(err))
		}
	}
	lg.Info("Parsed codes", zap.Int("codes", len(codes)))

	if opts.revoked == "" {
		return codes, nil
	}
	kept, dropped, err := excludeRevoked(ctx, codes, fileOpener(opts.revoked))
	if err != nil {
		return nil, errors.Wrap(err, "exclude revoked codes")
	}
	lg.Info("Excluded revoked codes", zap.Int("revoked", dropped), zap.Int("remaining", len(kept)))
	return kept, nil
}

// parseCodes reads all rows. Invalid rows are skipped and reported together
// in the returned error; a broken header or stream aborts.
func parseCodes(r io.Reader) ([]discount.Code, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols["code"]; !ok {
		return nil, errors.New("header has no code column")
	}

	var (
		codes  []discount.Code
		rowErr error
		seen   = make(map[string]int)
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rowErr = multierr.Append(rowErr, err)
				continue
			}
			return nil, errors.Wrap(err, "read codes")
		}
		line, _ := cr.FieldPos(0)

		c, err := parseRow(cols, rec)
		if err != nil {
			rowErr = multierr.Append(rowErr, errors.Wrapf(err, "line %d", line))
			continue
		}
		if prev, ok := seen[c.Code]; ok {
			rowErr = multierr.Append(rowErr, errors.Errorf("line %d: duplicate code %s, first on line %d", line, c.Code, prev))
			continue
		}
		seen[c.Code] = line
		codes = append(codes, c)
	}
	return codes, rowErr
}

func parseRow(cols map[string]int, rec []string) (discount.Code, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	c := discount.Code{Code: discount.Normalize(field("code")), IsActive: true}
	if c.Code == "" {
		return c, errors.New("empty code")
	}

	if v := field("percent_off"); v != "" {
		pct, err := decimal.NewFromString(v)
		if err != nil {
			return c, errors.Wrapf(err, "%s: percent_off", c.Code)
		}
		if !pct.IsPositive() || pct.GreaterThan(hundred) {
			return c, errors.Errorf("%s: percent_off %s outside (0, 100]", c.Code, v)
		}
		c.PercentOff = pct
	}
	if v := field("amount_off"); v != "" {
		nok, err := decimal.NewFromString(v)
		if err != nil {
			return c, errors.Wrapf(err, "%s: amount_off", c.Code)
		}
		ore := nok.Mul(hundred)
		if !ore.IsInteger() || !ore.IsPositive() {
			return c, errors.Errorf("%s: amount_off %s is not a positive whole øre amount", c.Code, v)
		}
		c.AmountOff = ore.IntPart()
	}
	if v := field("free_shipping"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, errors.Wrapf(err, "%s: free_shipping", c.Code)
		}
		c.FreeShipping = b
	}
	if v := field("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, errors.Wrapf(err, "%s: active", c.Code)
		}
		c.IsActive = b
	}
	if v := field("uses_remaining"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c, errors.Errorf("%s: uses_remaining %q is not a non-negative number", c.Code, v)
		}
		c.UsesRemaining = &n
	}
	if v := field("expires_at"); v != "" {
		t, err := parseExpiry(v)
		if err != nil {
			return c, errors.Wrapf(err, "%s: expires_at", c.Code)
		}
		c.ExpiresAt = &t
	}

	switch {
	case !c.PercentOff.IsZero() && c.AmountOff != 0:
		return c, errors.Errorf("%s: set percent_off or amount_off, not both", c.Code)
	case c.PercentOff.IsZero() && c.AmountOff == 0 && !c.FreeShipping:
		return c, errors.Errorf("%s: grants nothing", c.Code)
	}
	return c, nil
}

// parseExpiry accepts a timestamp or a date. A date expires at the end of
// that day in Oslo.
func parseExpiry(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	loc, err := time.LoadLocation("Europe/Oslo")
	if err != nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(time.DateOnly, v, loc)
	if err != nil {
		return time.Time{}, errors.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", v)
	}
	return d.AddDate(0, 0, 1).Add(-time.Second), nil
}

// excludeRevoked drops codes that appear in the revoked list. The list is
// streamed twice: once into a bloom filter, then again to confirm the filter's
// hits exactly, so memory stays bounded by the number of imported codes.
func excludeRevoked(ctx context.Context, codes []discount.Code, open opener) ([]discount.Code, int, error) {
	filter := bloom.NewWithEstimates(revokedCapacity, revokedFPR)
	var total int
	if err := streamCodes(ctx, open, func(code string) {
		filter.AddString(code)
		total++
	}); err != nil {
		return nil, 0, errors.Wrap(err, "pass 1")
	}
	zctx.From(ctx).Debug("Revoked filter built", zap.Int("codes", total))

	candidates := make(map[string]bool)
	for _, c := range codes {
		if filter.TestString(c.Code) {
			candidates[c.Code] = false
		}
	}
	if len(candidates) == 0 {
		return codes, 0, nil
	}

	if err := streamCodes(ctx, open, func(code string) {
		if _, ok := candidates[code]; ok {
			candidates[code] = true
		}
	}); err != nil {
		return nil, 0, errors.Wrap(err, "pass 2")
	}

	kept := make([]discount.Code, 0, len(codes))
	for _, c := range codes {
		if candidates[c.Code] {
			continue
		}
		kept = append(kept, c)
	}
	return kept, len(codes) - len(kept), nil
}

// streamCodes calls fn with every normalized code in the stream. Blank lines
// and lines starting with # are ignored.
func streamCodes(ctx context.Context, open opener, fn func(code string)) error {
	rc, err := open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fn(discount.Normalize(line))
	}
	return scanner.Err()
}

func writeCodes(ctx context.Context, repo discountUpserter, codes []discount.Code) error {
	lg := zctx.From(ctx)
	for start := 0; start < len(codes); start += importBatchSize {
		end := min(start+importBatchSize, len(codes))
		if err := repo.UpsertBatch(ctx, codes[start:end]); err != nil {
			return errors.Wrapf(err, "write codes %d-%d", start+1, end)
		}
		lg.Info("Write progress", zap.Int("written", end), zap.Int("total", len(codes)))
	}
	return nil
}

// fileOpener opens path, decompressing it when it ends in .gz.
func fileOpener(path string) opener {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", path)
		}
		if !strings.HasSuffix(path, ".gz") {
			return f, nil
		}
		gz, err := pgzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "create gzip reader for %s", path)
		}
		return gzipFile{Reader: gz, file: f}, nil
	}
}

type gzipFile struct {
	*pgzip.Reader
	file *os.File
}

func (g gzipFile) Close() error {
	return multierr.Combine(g.Reader.Close(), g.file.Close())
}
