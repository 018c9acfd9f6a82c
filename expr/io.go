package expr

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// mESC bundled-dataset shape: 182 QC-passing cells with sorted cell-cycle
// phases encoded in the cell labels.
const (
	mescCells = 182
	mescG1    = 59
	mescS     = 58
	mescG2M   = 65
)

// ReadTSV reads a gene-per-row count table. The first line is a header
// whose fields after the first column are cell labels; each following line
// is a gene symbol followed by one count per cell. Paths ending in ".gz"
// are decompressed transparently.
func ReadTSV(ctx context.Context, path string) (*Matrix, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "expr: open %s", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	var r io.Reader = in.Reader(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrapf(err, "expr: gunzip %s", path)
		}
		defer gz.Close() // nolint: errcheck
		r = gz
	}
	m, err := parseTSV(r)
	if err != nil {
		return nil, errors.Wrapf(err, "expr: parse %s", path)
	}
	return m, nil
}

func parseTSV(r io.Reader) (*Matrix, error) {
	all, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(all), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) < 2 {
		return nil, errors.New("need a header line and at least one gene row")
	}
	header := strings.Split(lines[0], "\t")
	if len(header) < 2 {
		return nil, errors.New("header has no cell labels")
	}
	cells := header[1:]
	nc := len(cells)
	genes := make([]string, 0, len(lines)-1)
	data := make([]float64, 0, (len(lines)-1)*nc)
	for lineno, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		if len(fields) != nc+1 {
			return nil, errors.Errorf("line %d: got %d fields, want %d", lineno+2, len(fields), nc+1)
		}
		genes = append(genes, fields[0])
		for _, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineno+2)
			}
			if v < 0 {
				return nil, errors.Errorf("line %d: negative count %v", lineno+2, v)
			}
			data = append(data, v)
		}
	}
	return New(genes, cells, data)
}

// LoadMESC reads the bundled mouse embryonic stem cell dataset and
// validates its fixed shape: 182 cells split into 59 G1, 58 S and 65 G2M,
// phases encoded in the cell labels. Any other shape is an error.
func LoadMESC(ctx context.Context, path string) (*Matrix, error) {
	m, err := ReadTSV(ctx, path)
	if err != nil {
		return nil, err
	}
	if m.NCells() != mescCells {
		return nil, errors.Errorf("expr: mESC dataset has %d cells, want %d", m.NCells(), mescCells)
	}
	counts := map[string]int{}
	for _, p := range m.Phases() {
		counts[p]++
	}
	if counts["G1"] != mescG1 || counts["S"] != mescS || counts["G2M"] != mescG2M {
		return nil, errors.Errorf("expr: mESC phase groups %v, want G1=%d S=%d G2M=%d",
			counts, mescG1, mescS, mescG2M)
	}
	return m, nil
}
