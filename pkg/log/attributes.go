// Standard attribute keys for training and inference logs.
//
// Keys follow a dotted, hierarchical convention ("data.samples",
// "pls.n_components") so log pipelines can filter on prefixes.

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the estimator type.
	// Examples: "PLSRegression", "StandardScaler", "Pipeline"
	ModelNameKey = "model.name"

	// OperationKey specifies the operation being performed.
	// Standard values: "fit", "predict", "transform", "split", "search"
	OperationKey = "ml.operation"

	// ComponentKey identifies which package is logging.
	ComponentKey = "ml.component"

	// PhaseKey indicates the lifecycle phase.
	PhaseKey = "ml.phase"
)

// Data Shape and Characteristics
const (
	// SamplesKey indicates the number of samples (rows).
	SamplesKey = "data.samples"

	// FeaturesKey indicates the number of features (wavelengths).
	FeaturesKey = "data.features"

	// GroupsKey indicates the number of distinct physical specimens.
	GroupsKey = "data.groups"
)

// Domain context
const (
	CropKey   = "nir.crop"
	TargetKey = "nir.target"

	// NComponentsKey records a PLS latent component count.
	NComponentsKey = "pls.n_components"

	// FoldKey records a cross-validation fold index.
	FoldKey = "cv.fold"

	// NFoldsKey records the number of folds.
	NFoldsKey = "cv.n_folds"

	ArtifactPathKey = "artifact.path"
	ArtifactIDKey   = "artifact.id"
)

// Performance Metrics
const (
	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// ScoreKey records the search score (negative MSE, higher is better).
	ScoreKey = "metrics.score"

	// R2ScoreKey records R² coefficient of determination for regression.
	R2ScoreKey = "metrics.r2_score"

	RMSEKey = "metrics.rmse"
	MAEKey  = "metrics.mae"
)

// HTTP serving
const (
	HTTPMethodKey = "http.method"
	HTTPPathKey   = "http.path"
	HTTPStatusKey = "http.status"
)

// Error Context
const (
	// ErrorCodeKey provides a structured error code for programmatic handling.
	ErrorCodeKey = "error.code"

	// SuggestionKey provides a hint for resolving the issue.
	SuggestionKey = "error.suggestion"
)

// Standard attribute values.
const (
	OperationFit       = "fit"
	OperationPredict   = "predict"
	OperationTransform = "transform"
	OperationSplit     = "split"
	OperationSearch    = "search"

	PhaseTraining   = "training"
	PhaseValidation = "validation"
	PhaseInference  = "inference"

	ErrorDimensionMismatch = "DIMENSION_MISMATCH"
	ErrorNotFitted         = "NOT_FITTED"
	ErrorNoArtifact        = "NO_ARTIFACT"
)
