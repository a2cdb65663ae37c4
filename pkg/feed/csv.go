package feed

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/importer"
)

// CSVParser reads delimited files with a header row. Gzip input is detected
// from the magic bytes.
type CSVParser struct {
	Comma rune
	// Rename maps a lower-cased header to the name the decoder expects.
	Rename map[string]string
	// TickerField, when set, keeps only rows whose column matches the
	// artifact ticker. Flat files carry every ticker of a day.
	TickerField string
}

func (p CSVParser) Open(ctx context.Context, artifact Artifact) (importer.RowIterator, error) {
	f, err := os.Open(artifact.Path)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeParse, "failed to open artifact")
	}

	br := bufio.NewReader(f)
	var src io.Reader = br
	var gz *gzip.Reader
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err = gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, apperrors.WrapError(err, apperrors.ErrCodeParse, "failed to open gzip artifact")
		}
		src = gz
	}

	r := csv.NewReader(src)
	if p.Comma != 0 {
		r.Comma = p.Comma
	}
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.ReuseRecord = false

	it := &csvRows{ctx: ctx, file: f, gz: gz, reader: r, parser: p, ticker: artifact.Ticker}

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		// An empty artifact is an empty import, not a failure.
		it.done = true
		return it, nil
	}
	if err != nil {
		it.Close()
		return nil, apperrors.WrapError(err, apperrors.ErrCodeParse, "failed to read CSV header")
	}
	it.header = make([]string, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if renamed, ok := p.Rename[h]; ok {
			h = renamed
		}
		it.header[i] = h
	}
	return it, nil
}

type csvRows struct {
	ctx    context.Context
	file   *os.File
	gz     *gzip.Reader
	reader *csv.Reader
	parser CSVParser
	ticker string
	header []string
	row    importer.RawRow
	err    error
	done   bool
}

func (it *csvRows) Next() bool {
	for !it.done {
		if err := it.ctx.Err(); err != nil {
			it.err = err
			it.done = true
			return false
		}
		record, err := it.reader.Read()
		if errors.Is(err, io.EOF) {
			it.done = true
			return false
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			// The reader resumes at the next line.
			it.row = importer.RawRow{Err: err}
			return true
		}
		if err != nil {
			it.err = fmt.Errorf("failed to read CSV record: %w", err)
			it.done = true
			return false
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}

		fields := make(map[string]string, len(it.header))
		for i, name := range it.header {
			if i < len(record) {
				fields[name] = record[i]
			}
		}
		if tf := it.parser.TickerField; tf != "" && !strings.EqualFold(strings.TrimSpace(fields[tf]), it.ticker) {
			continue
		}
		it.row = importer.RawRow{Fields: fields}
		return true
	}
	return false
}

func (it *csvRows) Row() importer.RawRow { return it.row }
func (it *csvRows) Err() error           { return it.err }

func (it *csvRows) Close() error {
	if it.gz != nil {
		_ = it.gz.Close()
	}
	return it.file.Close()
}
