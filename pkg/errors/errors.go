// Package errors はプロジェクト全体のエラーハンドリングと警告システムを提供します。
// scikit-learnの警告・例外システムにインスパイアされており、構造化されたエラー情報を提供します。
package errors

import (
	"fmt"
	"log"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	グローバル警告ハンドリング
//
// ===========================================================================
var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		// デフォルトのハンドラは標準エラー出力にログを出す
		log.Printf("nirpls-Warning: %v\n", w)
	}
	// zerologロガー（循環importを避けるため遅延初期化）
	zerologWarnFunc func(warning error)
)

// SetWarningHandler はライブラリ全体の警告ハンドラを設定します。
// これにより、EarlyStoppingWarningなどのカスタム警告の処理方法を制御できます。
//
// 例:
//
//	errors.SetWarningHandler(func(w error) {
//	    // 警告を無視する
//	})
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc はzerolog警告関数を設定します（循環importを避けるため）。
// nilを渡すと従来のハンドラに戻ります。
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// ZerologWarnFunc は与えられたzerologロガーに警告を書き出す関数を返します。
// 警告がzerolog.LogObjectMarshalerを実装していれば構造化フィールドとして埋め込みます。
func ZerologWarnFunc(logger zerolog.Logger) func(warning error) {
	return func(w error) {
		event := logger.Warn()
		if m, ok := w.(zerolog.LogObjectMarshaler); ok {
			event = event.EmbedObject(m)
		}
		event.Msg(w.Error())
	}
}

// Warn は警告を発生させます。
// zerologが設定されている場合は構造化ログとして出力し、そうでなければ従来のハンドラを使用します。
func Warn(w error) {
	warningMutex.Lock()
	defer warningMutex.Unlock()

	// zerologが設定されている場合は優先的に使用
	if zerologWarnFunc != nil {
		zerologWarnFunc(w)
		return
	}

	// フォールバック: 従来のハンドラ
	if warningHandler != nil {
		warningHandler(w)
	}
}

// ===========================================================================
//
//	警告型
//
// ===========================================================================

// EarlyStoppingWarning はPLSの成分抽出が残差の消失により要求数より前に停止した場合の警告です。
type EarlyStoppingWarning struct {
	Algorithm string
	Requested int
	Achieved  int
	Reason    string
}

func (w *EarlyStoppingWarning) Error() string {
	return fmt.Sprintf("%s stopped after %d of %d components: %s", w.Algorithm, w.Achieved, w.Requested, w.Reason)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *EarlyStoppingWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("algorithm", w.Algorithm).
		Int("requested", w.Requested).
		Int("achieved", w.Achieved).
		Str("reason", w.Reason).
		Str("type", "EarlyStoppingWarning")
}

// NewEarlyStoppingWarning は新しいEarlyStoppingWarningを作成します。
func NewEarlyStoppingWarning(algorithm string, requested, achieved int, reason string) *EarlyStoppingWarning {
	return &EarlyStoppingWarning{Algorithm: algorithm, Requested: requested, Achieved: achieved, Reason: reason}
}

// UndefinedMetricWarning は評価指標が計算できない場合に発生する警告です。
// 例えば、検証foldの目的変数が一定でR²が定義できない場合など。
type UndefinedMetricWarning struct {
	Metric    string
	Condition string
	Result    float64 // この条件で返される値
}

func (w *UndefinedMetricWarning) Error() string {
	return fmt.Sprintf("'%s' is ill-defined and being set to %f due to %s.", w.Metric, w.Result, w.Condition)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *UndefinedMetricWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("metric", w.Metric).
		Str("condition", w.Condition).
		Float64("result", w.Result).
		Str("type", "UndefinedMetricWarning")
}

// NewUndefinedMetricWarning は新しいUndefinedMetricWarningを作成します。
func NewUndefinedMetricWarning(metric, condition string, result float64) *UndefinedMetricWarning {
	return &UndefinedMetricWarning{Metric: metric, Condition: condition, Result: result}
}

// ===========================================================================
//
//	構造化されたエラー型
//
// ===========================================================================

// NotFittedError はモデルが未学習の状態で `Predict` や `Transform` を呼び出した場合のエラーです。
type NotFittedError struct {
	ModelName string
	Method    string
}

func (e *NotFittedError) Error() string {
	return fmt.Sprintf("nirpls: %s: this model is not fitted yet. Call Fit() before using %s()", e.ModelName, e.Method)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *NotFittedError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("model_name", e.ModelName).
		Str("method", e.Method).
		Str("type", "NotFittedError")
}

// NewNotFittedError は新しいNotFittedErrorを作成し、スタックトレースを付与します。
func NewNotFittedError(modelName, method string) error {
	err := &NotFittedError{ModelName: modelName, Method: method}
	return errors.WithStack(err)
}

// DimensionError は入力データの次元が期待値と異なる場合のエラーです。
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0 for rows, 1 for columns/features
}

func (e *DimensionError) Error() string {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	return fmt.Sprintf("nirpls: %s: dimension mismatch on axis %d (%s). Expected %d, got %d", e.Op, e.Axis, axisName, e.Expected, e.Got)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DimensionError) MarshalZerologObject(event *zerolog.Event) {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Int("axis", e.Axis).
		Str("axis_name", axisName).
		Str("type", "DimensionError")
}

// NewDimensionError は新しいDimensionErrorを作成し、スタックトレースを付与します。
func NewDimensionError(op string, expected, got, axis int) error {
	err := &DimensionError{Op: op, Expected: expected, Got: got, Axis: axis}
	return errors.WithStack(err)
}

// ValueError は引数の値が不適切または不正な場合に発生するエラーです。
// 例えば、必須列がデータセットに存在しない場合など。
type ValueError struct {
	Op      string
	Message string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("nirpls: %s: %s", e.Op, e.Message)
}

// NewValueError は新しいValueErrorを作成し、スタックトレースを付与します。
func NewValueError(op, message string) error {
	err := &ValueError{Op: op, Message: message}
	return errors.WithStack(err)
}

// ModelError は機械学習モデルに関する一般的なエラーです。
type ModelError struct {
	Op   string
	Kind string
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nirpls: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("nirpls: %s: %s", e.Op, e.Kind)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// NewModelError は新しいModelErrorを作成し、スタックトレースを付与します。
func NewModelError(op, kind string, err error) error {
	modelErr := &ModelError{Op: op, Kind: kind, Err: err}
	return errors.WithStack(modelErr)
}

// ===========================================================================
//
//	NIR/PLS 固有のエラー型
//
// ===========================================================================

// InsufficientGroupsError はグループ数がfold数より少ない場合のエラーです。
type InsufficientGroupsError struct {
	Groups int
	Folds  int
}

func (e *InsufficientGroupsError) Error() string {
	return fmt.Sprintf("nirpls: cannot split %d distinct groups into %d folds", e.Groups, e.Folds)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *InsufficientGroupsError) MarshalZerologObject(event *zerolog.Event) {
	event.Int("groups", e.Groups).
		Int("folds", e.Folds).
		Str("type", "InsufficientGroupsError")
}

// NewInsufficientGroupsError は新しいInsufficientGroupsErrorを作成し、スタックトレースを付与します。
func NewInsufficientGroupsError(groups, folds int) error {
	return errors.WithStack(&InsufficientGroupsError{Groups: groups, Folds: folds})
}

// DegenerateFeatureError は特徴量の標準偏差がゼロ（定数列）の場合のエラーです。
type DegenerateFeatureError struct {
	Feature int
	Std     float64
}

func (e *DegenerateFeatureError) Error() string {
	return fmt.Sprintf("nirpls: feature %d is degenerate (standard deviation %g)", e.Feature, e.Std)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DegenerateFeatureError) MarshalZerologObject(event *zerolog.Event) {
	event.Int("feature", e.Feature).
		Float64("std", e.Std).
		Str("type", "DegenerateFeatureError")
}

// NewDegenerateFeatureError は新しいDegenerateFeatureErrorを作成し、スタックトレースを付与します。
func NewDegenerateFeatureError(feature int, std float64) error {
	return errors.WithStack(&DegenerateFeatureError{Feature: feature, Std: std})
}

// InvalidHyperparameterError はハイパーパラメータが許容範囲外の場合のエラーです。
type InvalidHyperparameterError struct {
	Param string
	Value int
	Max   int
}

func (e *InvalidHyperparameterError) Error() string {
	return fmt.Sprintf("nirpls: %s must be in [1, %d], got %d", e.Param, e.Max, e.Value)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *InvalidHyperparameterError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param", e.Param).
		Int("value", e.Value).
		Int("max", e.Max).
		Str("type", "InvalidHyperparameterError")
}

// NewInvalidHyperparameterError は新しいInvalidHyperparameterErrorを作成し、スタックトレースを付与します。
func NewInvalidHyperparameterError(param string, value, max int) error {
	return errors.WithStack(&InvalidHyperparameterError{Param: param, Value: value, Max: max})
}

// SpectrumLengthMismatchError は入力スペクトルの長さが波長スキーマと一致しない場合のエラーです。
type SpectrumLengthMismatchError struct {
	Expected int
	Actual   int
}

func (e *SpectrumLengthMismatchError) Error() string {
	return fmt.Sprintf("nirpls: spectrum length (%d) doesn't match expected wavelengths (%d)", e.Actual, e.Expected)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *SpectrumLengthMismatchError) MarshalZerologObject(event *zerolog.Event) {
	event.Int("expected", e.Expected).
		Int("actual", e.Actual).
		Str("type", "SpectrumLengthMismatchError")
}

// NewSpectrumLengthMismatchError は新しいSpectrumLengthMismatchErrorを作成し、スタックトレースを付与します。
func NewSpectrumLengthMismatchError(expected, actual int) error {
	return errors.WithStack(&SpectrumLengthMismatchError{Expected: expected, Actual: actual})
}

// ArtifactNotFoundError は指定された作物・目的変数に対応する学習済みモデルが存在しない場合のエラーです。
type ArtifactNotFoundError struct {
	Crop   string
	Target string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("nirpls: no trained model found for crop %q and target %q", e.Crop, e.Target)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ArtifactNotFoundError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("crop", e.Crop).
		Str("target", e.Target).
		Str("type", "ArtifactNotFoundError")
}

// NewArtifactNotFoundError は新しいArtifactNotFoundErrorを作成し、スタックトレースを付与します。
func NewArtifactNotFoundError(crop, target string) error {
	return errors.WithStack(&ArtifactNotFoundError{Crop: crop, Target: target})
}

// SchemaError は波長スキーマが不正な場合のエラーです。
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("nirpls: invalid wavelength schema: %s", e.Reason)
}

// NewSchemaError は新しいSchemaErrorを作成し、スタックトレースを付与します。
func NewSchemaError(reason string) error {
	return errors.WithStack(&SchemaError{Reason: reason})
}

// ===========================================================================
//
//	cockroachdb/errors ラッパー関数
//
// ===========================================================================

// Is はエラーが特定のターゲットエラーかどうかを判定します。
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As はエラーが特定の型にキャスト可能かどうかを判定します。
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap は既存のエラーをメッセージ付きでラップします。
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf は既存のエラーをフォーマット文字列でラップします。
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New は新しいエラーを作成します。
func New(message string) error {
	return errors.New(message)
}

// Newf は新しいフォーマット済みエラーを作成します。
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack はエラーにスタックトレースを付与します。
func WithStack(err error) error {
	return errors.WithStack(err)
}

// ===========================================================================
//
//	数値計算のエラー型
//
// ===========================================================================

// NumericalInstabilityError は数値計算が不安定になった場合のエラーです。
// NaN、Inf、オーバーフロー、アンダーフローなどを検出します。
type NumericalInstabilityError struct {
	Operation string    // 発生した操作（例: "pls_weights", "scaler_transform"）
	Values    []float64 // 問題のある値
	Iteration int       // 発生したイテレーション番号（PLSでは成分番号）
}

func (e *NumericalInstabilityError) Error() string {
	valStr := ""
	for i, v := range e.Values {
		if i > 0 {
			valStr += ", "
		}
		if i >= 5 {
			valStr += "..."
			break
		}
		valStr += fmt.Sprintf("%.6g", v)
	}
	return fmt.Sprintf("nirpls: numerical instability detected in %s at iteration %d. Values: [%s]",
		e.Operation, e.Iteration, valStr)
}

// NewNumericalInstabilityError は新しいNumericalInstabilityErrorを作成します。
func NewNumericalInstabilityError(operation string, values []float64, iteration int) error {
	err := &NumericalInstabilityError{
		Operation: operation,
		Values:    values,
		Iteration: iteration,
	}
	return errors.WithStack(err)
}

// ===========================================================================
//
//	共通エラー変数
//
// ===========================================================================

var (
	// ErrEmptyData は空のデータが渡された場合のエラーです。
	ErrEmptyData = New("empty data")

	// ErrSingularMatrix は特異行列の場合のエラーです。
	ErrSingularMatrix = New("singular matrix")

	// ErrNoArtifact は推論エンジンにモデルがロードされていない場合のエラーです。
	ErrNoArtifact = New("model not loaded")

	// ErrChecksumMismatch はモデルアーティファクトのチェックサムが一致しない場合のエラーです。
	ErrChecksumMismatch = New("artifact checksum mismatch")
)
