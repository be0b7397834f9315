package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/YuminosukeSato/nirpls/api"
	"github.com/YuminosukeSato/nirpls/artifact"
	"github.com/YuminosukeSato/nirpls/config"
	"github.com/YuminosukeSato/nirpls/dataset"
	"github.com/YuminosukeSato/nirpls/inference"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/pkg/log"
	"github.com/YuminosukeSato/nirpls/report"
	"github.com/YuminosukeSato/nirpls/sklearn/model_selection"
	"gonum.org/v1/gonum/mat"
)

func runClean(fs *flag.FlagSet) func(context.Context, *app) error {
	input := fs.String("input", "", "raw dataset path (default: data-dir/raw/averaged_dataset.{csv,json})")
	format := fs.String("format", "", "csv or json (default: from the file extension)")
	nSplits := fs.Int("folds", model_selection.DefaultNSplits, "number of GroupKFold splits")
	maxMissing := fs.Float64("max-missing", dataset.DefaultMaxMissingFraction, "drop NIR columns with a larger missing fraction")

	return func(ctx context.Context, a *app) error {
		path := *input
		if path == "" {
			var err error
			if path, err = a.cfg.FindRawDataset(); err != nil {
				return err
			}
		}
		f, err := dataset.FormatFromPath(path)
		if *format != "" {
			f, err = dataset.ParseFormat(*format)
		}
		if err != nil {
			return err
		}

		a.logger.Info("loading dataset", "path", path, "format", f.String())
		table, err := dataset.LoadFile(path, f)
		if err != nil {
			return err
		}
		ds, err := dataset.Clean(table, dataset.CleanOptions{
			Crop:               a.cfg.Crop,
			Target:             a.cfg.Target,
			MaxMissingFraction: *maxMissing,
			Logger:             a.logger,
		})
		if err != nil {
			return err
		}
		folds, err := model_selection.NewGroupKFold(*nSplits).Split(ds.Groups)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(a.cfg.CleanDir(), 0o755); err != nil {
			return errors.Wrapf(err, "create %s", a.cfg.CleanDir())
		}
		if err := writeFile(a.cfg.SplitsPath(), func(w io.Writer) error {
			return model_selection.WriteSplits(w, folds)
		}); err != nil {
			return err
		}
		if err := writeFile(a.cfg.FeaturesPath(), func(w io.Writer) error {
			return dataset.WriteFeatures(w, ds.X, ds.Schema)
		}); err != nil {
			return err
		}
		if err := writeFile(a.cfg.TargetPath(), func(w io.Writer) error {
			return dataset.WriteTarget(w, ds.Target, ds.Y)
		}); err != nil {
			return err
		}
		if err := ds.Schema.SaveFile(a.cfg.SchemaPath()); err != nil {
			return err
		}

		fmt.Fprintf(a.out, "Dataset summary: crop=%s target=%s samples=%d groups=%d wavelengths=%d folds=%d\n",
			ds.Crop, ds.Target, ds.NSamples(), countGroups(ds.Groups), ds.Schema.Len(), len(folds))
		fmt.Fprintf(a.out, "Saved %s, %s, %s and %s\n",
			a.cfg.FeaturesPath(), a.cfg.TargetPath(), a.cfg.SchemaPath(), a.cfg.SplitsPath())
		return nil
	}
}

func runTrain(fs *flag.FlagSet) func(context.Context, *app) error {
	minC := fs.Int("min-components", 4, "smallest n_components candidate")
	maxC := fs.Int("max-components", 32, "largest n_components candidate")
	step := fs.Int("step", 2, "candidate step")
	workers := fs.Int("workers", 0, "parallel workers for the search (0 = number of CPUs)")
	noPlot := fs.Bool("no-plot", false, "skip the truth-vs-prediction plot")

	return func(ctx context.Context, a *app) error {
		schema, X, y, folds, err := loadClean(a.cfg, nil)
		if err != nil {
			return err
		}

		gs := model_selection.NewGridSearchCV(
			model_selection.WithCandidates(model_selection.CandidateRange(*minC, *maxC, *step)),
			model_selection.WithWorkers(*workers),
			model_selection.WithLogger(a.logger),
		)
		if err := gs.Fit(X, mat.NewDense(len(y), 1, y), folds); err != nil {
			return err
		}

		art, err := artifact.New(a.cfg.Crop, a.cfg.Target, schema, gs.BestEstimator, report.CVScores(gs.Diagnostics), time.Now())
		if err != nil {
			return err
		}
		if err := os.MkdirAll(a.cfg.ModelsDir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", a.cfg.ModelsDir)
		}
		reg, err := artifact.OpenRegistry(a.cfg.RegistryPath())
		if err != nil {
			return err
		}
		defer reg.Close()

		entry, err := artifact.Publish(ctx, reg, art, a.cfg.ModelsDir)
		if err != nil {
			return err
		}
		if err := schema.SaveFile(inference.SidecarSchemaPath(entry.Path, art.Crop)); err != nil {
			return err
		}

		m, err := report.NewMetrics(a.cfg.Crop, a.cfg.Target, gs)
		if err != nil {
			return err
		}
		m.ArtifactID = art.ID
		metricsPath, err := report.WriteMetricsFile(a.cfg.ModelsDir, m)
		if err != nil {
			return err
		}

		if !*noPlot {
			pred, err := gs.BestEstimator.Predict(X)
			if err != nil {
				return err
			}
			plotPath := filepath.Join(a.cfg.ModelsDir, report.PlotFileName(art.Crop, art.Target, art.Method))
			title := fmt.Sprintf("PLS Model: %s - %s", art.Crop, art.Target)
			if err := report.TruthVsPredictionPlot(plotPath, y, mat.Col(nil, 0, pred), title); err != nil {
				return err
			}
		}

		d := gs.Diagnostics
		fmt.Fprintf(a.out, "Best n_components: %d (CV RMSE %.4f)\n", gs.BestNComponents, gs.BestRMSE())
		for _, f := range d.Folds {
			fmt.Fprintf(a.out, "  Fold %d: R² = %.4f, RMSE = %.4f\n", f.Fold+1, f.R2, f.RMSE)
		}
		fmt.Fprintf(a.out, "R²: %.4f ± %.4f\nRMSE: %.4f ± %.4f\n", d.R2Mean, d.R2Std, d.RMSEMean, d.RMSEStd)
		fmt.Fprintf(a.out, "Saved model %s (id %s) and metrics %s\n", entry.Path, art.ID, metricsPath)
		return nil
	}
}

func runEvaluate(fs *flag.FlagSet) func(context.Context, *app) error {
	fold := fs.Int("fold", 0, "fold to evaluate")
	modelPath := fs.String("model", "", "artifact path (default: latest registered model for crop/target)")
	noPlot := fs.Bool("no-plot", false, "skip the evaluation plots")

	return func(ctx context.Context, a *app) error {
		art, path, err := openArtifact(ctx, a.cfg, *modelPath)
		if err != nil {
			return err
		}
		p, err := art.ToPipeline()
		if err != nil {
			return err
		}
		var schema dataset.WavelengthSchema
		if art.HasSchema() {
			schema = art.Schema
		}
		_, X, y, folds, err := loadClean(a.cfg, schema)
		if err != nil {
			return err
		}
		f, err := report.FindFold(folds, *fold)
		if err != nil {
			return err
		}

		r, err := report.Evaluate(p, X, y, f)
		if err != nil {
			return err
		}
		r.ModelPath = path
		a.logger.Info("evaluated fold",
			log.FoldKey, f.Index,
			log.SamplesKey, r.NSamples,
			log.R2ScoreKey, r.Metrics.R2,
			log.RMSEKey, r.Metrics.RMSE,
			log.MAEKey, r.Metrics.MAE,
		)

		jsonPath, plotPath, residualPath := report.EvaluationFileNames(filepath.Dir(path), f.Index)
		if err := report.WriteEvaluationFile(jsonPath, r); err != nil {
			return err
		}
		if !*noPlot {
			if err := report.TruthVsPredictionPlot(plotPath, r.YTrue, r.YPred,
				fmt.Sprintf("Truth vs Prediction (Fold %d)", f.Index)); err != nil {
				return err
			}
			if err := report.ResidualPlot(residualPath, r.YPred, r.Residuals(),
				fmt.Sprintf("Residuals Plot (Fold %d)", f.Index)); err != nil {
				return err
			}
		}

		fmt.Fprintf(a.out, "Evaluation on fold %d (%d samples)\n  R²: %.4f\n  RMSE: %.4f\n  MAE: %.4f\n",
			f.Index, r.NSamples, r.Metrics.R2, r.Metrics.RMSE, r.Metrics.MAE)
		fmt.Fprintf(a.out, "Saved evaluation report to %s\n", jsonPath)
		return nil
	}
}

func runPredict(fs *flag.FlagSet) func(context.Context, *app) error {
	spectrumPath := fs.String("spectrum", "", "spectrum JSON file: an array or {\"spectrum\": [...]} (required)")
	modelPath := fs.String("model", "", "artifact path (default: latest registered model for crop/target)")
	wavelengths := fs.String("wavelengths", "", "wavelength schema JSON used for the length check")

	return func(ctx context.Context, a *app) error {
		if *spectrumPath == "" {
			return errors.NewValueError("predict", "-spectrum is required")
		}
		e := inference.NewEngine(inference.WithLogger(a.logger))

		var c *inference.Context
		var err error
		if *modelPath != "" {
			c, err = e.LoadFile(*modelPath)
		} else {
			c, err = loadLatest(ctx, a.cfg, e)
		}
		if err != nil {
			return err
		}
		if *wavelengths != "" {
			s, err := dataset.LoadSchemaFile(*wavelengths)
			if err != nil {
				return err
			}
			if c, err = c.WithSchema(s, *wavelengths); err != nil {
				return err
			}
			e.Swap(c)
		}

		var spectrum []float64
		if err := readFile(*spectrumPath, func(r io.Reader) error {
			var err error
			spectrum, err = inference.LoadSpectrum(r)
			return err
		}); err != nil {
			return err
		}

		res, err := e.Predict(spectrum)
		if err != nil {
			return err
		}

		outPath := filepath.Join(filepath.Dir(*spectrumPath), "prediction_result.json")
		if err := writeFile(outPath, func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}); err != nil {
			return err
		}

		fmt.Fprintf(a.out, "Prediction: %.4f\n80%% interval: [%.4f, %.4f]\nSaved result to %s\n",
			res.PointEstimate, res.IntervalLower, res.IntervalUpper, outPath)
		return nil
	}
}

func runServe(fs *flag.FlagSet) func(context.Context, *app) error {
	shutdownTimeout := fs.Duration("shutdown-timeout", 5*time.Second, "graceful shutdown timeout")

	return func(ctx context.Context, a *app) error {
		e := inference.NewEngine(inference.WithLogger(a.logger))
		if _, err := loadLatest(ctx, a.cfg, e); err != nil {
			return errors.Wrap(err, "refusing to start without a trained model (run: nirpls train)")
		}

		srv := api.NewServer(e, api.WithLogger(a.logger))
		server := &http.Server{
			Addr:              a.cfg.Listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
		a.logger.Info("serving predictions", "listen", a.cfg.Listen, log.CropKey, a.cfg.Crop, log.TargetKey, a.cfg.Target)

		select {
		case err, ok := <-errCh:
			if ok {
				return errors.Wrap(err, "http server")
			}
			return nil
		case <-ctx.Done():
		}

		a.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("HTTP server shutdown error", log.ErrAttrKey, err)
			if err := server.Close(); err != nil {
				return errors.Wrap(err, "close http server")
			}
		}
		return nil
	}
}

// loadClean は clean コマンドの出力を読み込む。schema が nil ならクリーニング時のスキーマを使う。
func loadClean(cfg config.Config, schema dataset.WavelengthSchema) (dataset.WavelengthSchema, *mat.Dense, []float64, []model_selection.Fold, error) {
	if schema == nil {
		var err error
		if schema, err = dataset.LoadSchemaFile(cfg.SchemaPath()); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	var X *mat.Dense
	if err := readFile(cfg.FeaturesPath(), func(r io.Reader) error {
		var err error
		X, err = dataset.ReadFeatures(r, schema)
		return err
	}); err != nil {
		return nil, nil, nil, nil, err
	}
	var y []float64
	if err := readFile(cfg.TargetPath(), func(r io.Reader) error {
		var err error
		_, y, err = dataset.ReadTarget(r)
		return err
	}); err != nil {
		return nil, nil, nil, nil, err
	}
	if n, _ := X.Dims(); n != len(y) {
		return nil, nil, nil, nil, errors.NewDimensionError("loadClean", n, len(y), 0)
	}
	var folds []model_selection.Fold
	if err := readFile(cfg.SplitsPath(), func(r io.Reader) error {
		var err error
		folds, err = model_selection.ReadSplits(r)
		return err
	}); err != nil {
		return nil, nil, nil, nil, err
	}
	if err := model_selection.ValidateFolds(folds, len(y)); err != nil {
		return nil, nil, nil, nil, err
	}
	return schema, X, y, folds, nil
}

func openRegistry(cfg config.Config) (*artifact.Registry, error) {
	if _, err := os.Stat(cfg.ModelsDir); err != nil {
		return nil, errors.NewArtifactNotFoundError(cfg.Crop, cfg.Target)
	}
	return artifact.OpenRegistry(cfg.RegistryPath())
}

func loadLatest(ctx context.Context, cfg config.Config, e *inference.Engine) (*inference.Context, error) {
	reg, err := openRegistry(cfg)
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	return e.LoadLatest(ctx, reg, cfg.Crop, cfg.Target)
}

func openArtifact(ctx context.Context, cfg config.Config, path string) (*artifact.ModelArtifact, string, error) {
	if path != "" {
		a, err := artifact.LoadFile(path)
		return a, path, err
	}
	reg, err := openRegistry(cfg)
	if err != nil {
		return nil, "", err
	}
	defer reg.Close()
	entry, err := reg.Latest(ctx, cfg.Crop, cfg.Target)
	if err != nil {
		return nil, "", err
	}
	a, err := entry.Open()
	return a, entry.Path, err
}

func countGroups(groups []string) int {
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		seen[g] = struct{}{}
	}
	return len(seen)
}

func writeFile(path string, fn func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "close %s", path)
		}
	}()
	return fn(f)
}

func readFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	if err := fn(f); err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	return nil
}
