package cross_decomposition

// Option は PLSRegression の設定関数
type Option func(*PLSRegression)

// WithNComponents は抽出する潜在成分の数を設定する
func WithNComponents(n int) Option {
	return func(p *PLSRegression) {
		p.nComponents = n
	}
}

// WithTol は成分抽出を打ち切る閾値を設定する
func WithTol(tol float64) Option {
	return func(p *PLSRegression) {
		p.tol = tol
	}
}
