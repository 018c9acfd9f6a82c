package main

/*
scvar-cycle reproduces the cell-cycle variance-decomposition analysis on a
single-cell count matrix without spike-ins.

The analysis has two phases.

  1. Rank inspection: fit the latent factor model with ARD on the
     cell-cycle genes, plot variance explained per factor, print the
     table and exit. The analyst reads the plot and picks the rank.

  2. With -rank set: refit at the fixed rank, decompose per-gene variance
     into cell-cycle / residual-biological / noise, regress the
     cell-cycle component out, and plot PCA projections of the corrected
     and uncorrected expression side by side.

Example:

   scvar-cycle -counts mesc_counts.tsv.gz -mesc -gene-sets go_annotations.tsv
   scvar-cycle -counts mesc_counts.tsv.gz -mesc -gene-sets go_annotations.tsv -rank 1
*/

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/biospectra/scvar/expr"
	"github.com/biospectra/scvar/geneset"
	"github.com/biospectra/scvar/latent"
	"github.com/biospectra/scvar/pca"
	"github.com/biospectra/scvar/scplot"
	"github.com/biospectra/scvar/technoise"
	"github.com/biospectra/scvar/vardecomp"
)

var (
	countsPath   = flag.String("counts", "", "Input count matrix TSV (gene per row, cell per column); .gz accepted. Required")
	mesc         = flag.Bool("mesc", false, "Validate the input as the bundled mESC dataset (182 cells, sorted phases)")
	geneSetsPath = flag.String("gene-sets", "", "Offline annotation table TSV with Term and Symbol columns; this xor -annotation-url required")
	annotURL     = flag.String("annotation-url", "", "Annotation service endpoint; this xor -gene-sets required")
	goTerm       = flag.String("go-term", geneset.CellCycleTerm, "Controlled-vocabulary term of the latent process")
	taxon        = flag.String("taxon", "10090", "NCBI taxon passed to the annotation service")
	fitMethod    = flag.String("fit", string(technoise.DefaultOpts.Method), "Technical-noise fit family; 'logvar' or 'local'")
	selMethod    = flag.String("select", string(technoise.DefaultSelectOpts.Method), "Variable-gene selection method; 'fdr' or 'ratio'")
	rank         = flag.Int("rank", 0, "Latent factor rank; 0 runs the ARD rank inspection and exits")
	maxRank      = flag.Int("max-rank", latent.DefaultOpts.Rank, "Maximum rank explored by the ARD fit")
	parallelism  = flag.Int("parallelism", 0, "Concurrent per-gene decomposition jobs; 0 = NumCPU")
	outPrefix    = flag.String("out", "scvar-cycle", "Output path prefix for plots")
	resultsTSV   = flag.String("results-tsv", "", "Optional path for the per-gene variance-fraction table")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -counts counts.tsv [-gene-sets table.tsv | -annotation-url URL] [options]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	shutdown := grail.Init()
	defer shutdown()
	flag.Usage = usage
	if *countsPath == "" {
		usage()
		os.Exit(2)
	}
	if (*geneSetsPath == "") == (*annotURL == "") {
		log.Fatal("exactly one of -gene-sets and -annotation-url is required")
	}
	ctx := vcontext.Background()

	start := time.Now()
	var (
		counts *expr.Matrix
		err    error
	)
	if *mesc {
		counts, err = expr.LoadMESC(ctx, *countsPath)
	} else {
		counts, err = expr.ReadTSV(ctx, *countsPath)
	}
	if err != nil {
		log.Fatalf("load counts: %v", err)
	}
	log.Printf("loaded %d genes x %d cells from %s in %v",
		counts.NGenes(), counts.NCells(), *countsPath, time.Since(start))

	factors, err := counts.SizeFactors()
	if err != nil {
		log.Fatalf("size factors: %v", err)
	}
	norm, err := counts.Normalized(factors)
	if err != nil {
		log.Fatalf("normalize: %v", err)
	}
	logExpr := norm.Log10()

	// Technical-noise fit on the normalized counts (endogenous genes; this
	// dataset has no spike-ins).
	fitOpts := technoise.DefaultOpts
	fitOpts.Method = technoise.Method(*fitMethod)
	fit, err := technoise.New(norm, fitOpts)
	if err != nil {
		log.Fatalf("technical-noise fit: %v", err)
	}
	selOpts := technoise.DefaultSelectOpts
	selOpts.Method = technoise.SelectMethod(*selMethod)
	variable, err := technoise.VariableGenes(norm, fit, selOpts)
	if err != nil {
		log.Fatalf("variable genes: %v", err)
	}
	nVar := 0
	for _, v := range variable {
		if v {
			nVar++
		}
	}
	log.Printf("technical-noise fit (%s): %d/%d genes variable (%s)",
		fitOpts.Method, nVar, norm.NGenes(), selOpts.Method)

	ccGenes, err := cellCycleGenes(ctx, counts)
	if err != nil {
		log.Fatalf("gene set %s: %v", *goTerm, err)
	}
	log.Printf("%d %s genes present in the matrix", len(ccGenes), *goTerm)
	ccExpr, err := logExpr.Subset(ccGenes)
	if err != nil {
		log.Fatalf("gene subset: %v", err)
	}

	if *rank == 0 {
		inspectRank(ccExpr)
		return
	}

	model, err := latent.Fit(ccExpr, latent.Opts{Rank: *rank, ARD: false})
	if err != nil {
		log.Fatalf("latent fit (rank %d): %v", *rank, err)
	}
	kernel := model.Kernel()
	if err := scplot.KernelHeatmap(kernel, fmt.Sprintf("Cell-cycle kernel (rank %d)", *rank), *outPrefix+".kernel.png"); err != nil {
		log.Fatal(err)
	}

	varExpr, err := logExpr.SubsetFlags(variable)
	if err != nil {
		log.Fatalf("variable-gene subset: %v", err)
	}
	varNorm, err := norm.SubsetFlags(variable)
	if err != nil {
		log.Fatalf("variable-gene subset: %v", err)
	}
	means, _, _ := technoise.MeanCV2(varNorm)
	tech := fit.TechVarsLog10(means)

	start = time.Now()
	table, err := vardecomp.Decompose(ctx, varExpr, kernel, tech, vardecomp.Opts{Parallelism: *parallelism})
	if err != nil {
		log.Fatalf("variance decomposition: %v", err)
	}
	conv := table.Converged()
	log.Printf("decomposed %d genes (%d converged) in %v", len(table.Rows), len(conv.Rows), time.Since(start))
	if *resultsTSV != "" {
		if err := table.WriteTSV(ctx, *resultsTSV); err != nil {
			log.Fatal(err)
		}
	}
	if err := plotComposition(conv); err != nil {
		log.Fatal(err)
	}

	corrected, err := vardecomp.Correct(varExpr, kernel, tech, table)
	if err != nil {
		log.Fatalf("cell-cycle correction: %v", err)
	}
	if err := plotProjections(varExpr, corrected, counts.Phases()); err != nil {
		log.Fatal(err)
	}
	log.Printf("done; plots written with prefix %s", *outPrefix)
}

// cellCycleGenes resolves the annotation term to gene symbols present in
// the matrix, via either the offline table or the annotation service.
func cellCycleGenes(ctx context.Context, m *expr.Matrix) ([]string, error) {
	var (
		genes []string
		err   error
	)
	if *geneSetsPath != "" {
		genes, err = geneset.ReadTable(ctx, *geneSetsPath, *goTerm)
	} else {
		client := &geneset.Client{BaseURL: *annotURL, Taxon: *taxon}
		genes, err = client.Genes(ctx, *goTerm)
	}
	if err != nil {
		return nil, err
	}
	return geneset.Intersect(genes, m)
}

// inspectRank runs the ARD fit, reports variance explained per factor and
// leaves the rank choice to the analyst.
func inspectRank(ccExpr *expr.Matrix) {
	opts := latent.DefaultOpts
	opts.Rank = *maxRank
	model, err := latent.Fit(ccExpr, opts)
	if err != nil {
		log.Fatalf("ARD fit: %v", err)
	}
	if err := scplot.VarExplainedScatter(model.VarExplained(), *outPrefix+".ard.png"); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("factor\tvariance_explained\n")
	for i, v := range model.VarExplained() {
		fmt.Printf("%d\t%.4f\n", i+1, v)
	}
	log.Printf("ARD residual variance %.4g; inspect %s.ard.png and re-run with -rank",
		model.ResidualVar(), *outPrefix)
}

func plotComposition(conv *vardecomp.Table) error {
	if len(conv.Rows) == 0 {
		log.Printf("no converged gene; skipping composition pie")
		return nil
	}
	var cc, bio, noise float64
	for _, r := range conv.Rows {
		cc += r.CellCycle
		bio += r.BioVar
		noise += r.Noise
	}
	n := float64(len(conv.Rows))
	return scplot.VarFractionPie(
		[]string{"cell cycle", "biological", "noise"},
		[]float64{cc / n, bio / n, noise / n},
		"Average variance composition", *outPrefix+".composition.png")
}

func plotProjections(uncorrected, corrected *expr.Matrix, phases []string) error {
	before, err := pca.Project(uncorrected, 2)
	if err != nil {
		return err
	}
	after, err := pca.Project(corrected, 2)
	if err != nil {
		return err
	}
	if err := scplot.PCAScatter(before, phases, "PCA, uncorrected", *outPrefix+".pca-uncorrected.png"); err != nil {
		return err
	}
	return scplot.PCAScatter(after, phases, "PCA, cell-cycle corrected", *outPrefix+".pca-corrected.png")
}
