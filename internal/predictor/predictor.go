package predictor

// Predictor is a trainable model. Implementations are not safe for concurrent
// Fit and Predict; the learner fits a clone and swaps it in.
type Predictor interface {
	Fit(x, y [][]float64, epochs, batch int) error
	Predict(x [][]float64) ([][]float64, error)
	// SaveWeights writes path.index and path.data.
	SaveWeights(path string) error
	LoadWeights(path string) error
	Shape() (inputs, outputs int)
	Clone() Predictor
}
