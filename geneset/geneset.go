// Package geneset resolves controlled-vocabulary annotation terms (e.g. GO
// biological processes) to sets of gene symbols, either through an
// annotation web service or an offline TSV table, and intersects the
// result with an expression matrix.
package geneset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/pkg/errors"

	"github.com/biospectra/scvar/expr"
)

// CellCycleTerm is the GO biological-process term for the cell cycle.
const CellCycleTerm = "GO:0007049"

// Client queries an annotation service for the gene symbols annotated to a
// term. The service answers GET <base>?term=<term>&taxon=<taxon> with one
// gene symbol per line.
type Client struct {
	// BaseURL of the annotation endpoint.
	BaseURL string
	// Taxon restricts annotations to a species (NCBI taxon ID). 10090 is
	// mouse.
	Taxon string
	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client
}

// Genes returns the gene symbols annotated to the given term. The order is
// the service's; duplicates are removed.
func (c *Client) Genes(ctx context.Context, term string) ([]string, error) {
	httpc := c.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	u := fmt.Sprintf("%s?term=%s&taxon=%s", c.BaseURL, url.QueryEscape(term), url.QueryEscape(c.Taxon))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "geneset: term %s", term)
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "geneset: term %s", term)
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("geneset: term %s: annotation service returned %s", term, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "geneset: term %s", term)
	}
	var genes []string
	seen := map[string]bool{}
	for _, line := range strings.Split(string(body), "\n") {
		g := strings.TrimSpace(line)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		genes = append(genes, g)
	}
	if len(genes) == 0 {
		return nil, errors.Errorf("geneset: term %s: no annotated genes", term)
	}
	return genes, nil
}

// ReadTable reads an offline annotation table and returns the gene symbols
// of the given term. The table is a TSV with a header and columns Term and
// Symbol.
func ReadTable(ctx context.Context, path, term string) ([]string, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "geneset: open %s", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	row := struct{ Term, Symbol string }{}
	var genes []string
	seen := map[string]bool{}
	for {
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrapf(err, "geneset: read %s", path)
		}
		if row.Term != term || seen[row.Symbol] {
			continue
		}
		seen[row.Symbol] = true
		genes = append(genes, row.Symbol)
	}
	if len(genes) == 0 {
		return nil, errors.Errorf("geneset: term %s not found in %s", term, path)
	}
	return genes, nil
}

// Intersect restricts the gene symbols to those present in the matrix,
// preserving the matrix's row order. An empty intersection is an error.
func Intersect(genes []string, m *expr.Matrix) ([]string, error) {
	want := make(map[string]bool, len(genes))
	for _, g := range genes {
		want[g] = true
	}
	var out []string
	for _, g := range m.Genes() {
		if want[g] {
			out = append(out, g)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("geneset: no annotated gene present in the matrix")
	}
	return out, nil
}
