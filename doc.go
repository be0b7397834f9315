// Package nirpls predicts nutrient content from near-infrared (NIR) spectra
// with partial least squares (PLS) regression.
//
// The module covers the whole path from a raw dataset to a served model:
//
//   - dataset: column cleaning, wavelength schema, CSV/JSON loaders
//   - preprocessing: StandardScaler (population std)
//   - sklearn/cross_decomposition: NIPALS PLSRegression for a single target
//   - sklearn/pipeline: scaler + PLS
//   - sklearn/model_selection: GroupKFold, splits manifest, GridSearchCV
//   - artifact: zstd-compressed model files and the sqlite registry
//   - inference: Engine with atomically swappable model context
//   - report: metrics JSON, fold evaluation and plots (gonum/plot)
//   - api: HTTP /health, /predict and /info
//   - config: flags with environment fallbacks
//   - cmd/nirpls: clean, train, evaluate, predict and serve commands
//
// # Quick Start
//
//	nirpls clean -crop carrots -target antioxidants
//	nirpls train -crop carrots -target antioxidants
//	nirpls serve -crop carrots -target antioxidants -listen :8000
//
// Library use:
//
//	p := pipeline.New(cross_decomposition.WithNComponents(8))
//	if err := p.Fit(X, y); err != nil {
//	    log.Fatal(err)
//	}
//	pred, err := p.PredictOne(spectrum)
package nirpls
