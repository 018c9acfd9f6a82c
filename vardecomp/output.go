package vardecomp

import (
	"context"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/pkg/errors"
)

// WriteTSV writes the table with columns gene, cell_cycle, bio_var, noise
// and converged.
func (t *Table) WriteTSV(ctx context.Context, path string) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "vardecomp: create %s", path)
	}
	defer func() {
		if cerr := out.Close(ctx); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "vardecomp: close %s", path)
		}
	}()
	w := tsv.NewWriter(out.Writer(ctx))
	w.WriteString("gene")
	w.WriteString("cell_cycle")
	w.WriteString("bio_var")
	w.WriteString("noise")
	w.WriteString("converged")
	if err = w.EndLine(); err != nil {
		return errors.Wrapf(err, "vardecomp: write %s", path)
	}
	for _, r := range t.Rows {
		w.WriteString(r.Gene)
		w.WriteFloat64(r.CellCycle, 'g', 6)
		w.WriteFloat64(r.BioVar, 'g', 6)
		w.WriteFloat64(r.Noise, 'g', 6)
		if r.Converged {
			w.WriteString("true")
		} else {
			w.WriteString("false")
		}
		if err = w.EndLine(); err != nil {
			return errors.Wrapf(err, "vardecomp: write %s", path)
		}
	}
	return w.Flush()
}
