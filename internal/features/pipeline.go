package features

import (
	"errors"
	"fmt"
	"math"

	"crypto-ml-trader/internal/model"

	"gonum.org/v1/gonum/stat"
)

var ErrNotFitted = errors.New("pipeline is not fitted")

// Encoder is one fitted column transform.
type Encoder interface {
	Fit(rows [][]float64) error
	Transform(rows [][]float64) ([][]float64, error)
	InverseTransform(rows [][]float64) ([][]float64, error)
}

// StandardScaler centers every column and scales it to unit variance.
type StandardScaler struct {
	Mean []float64
	Std  []float64
}

func (s *StandardScaler) Fit(rows [][]float64) error {
	if len(rows) == 0 {
		return fmt.Errorf("standard scaler: no rows")
	}
	width := len(rows[0])
	s.Mean = make([]float64, width)
	s.Std = make([]float64, width)

	col := make([]float64, len(rows))
	for j := 0; j < width; j++ {
		for i, row := range rows {
			if len(row) != width {
				return fmt.Errorf("standard scaler: row %d has %d columns, want %d", i, len(row), width)
			}
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j], s.Std[j] = mean, std
	}
	return nil
}

func (s *StandardScaler) Transform(rows [][]float64) ([][]float64, error) {
	if s.Mean == nil {
		return nil, ErrNotFitted
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(s.Mean) {
			return nil, fmt.Errorf("standard scaler: row %d has %d columns, want %d", i, len(row), len(s.Mean))
		}
		out[i] = make([]float64, len(row))
		for j, v := range row {
			out[i][j] = (v - s.Mean[j]) / s.Std[j]
		}
	}
	return out, nil
}

func (s *StandardScaler) InverseTransform(rows [][]float64) ([][]float64, error) {
	if s.Mean == nil {
		return nil, ErrNotFitted
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(s.Mean) {
			return nil, fmt.Errorf("standard scaler: row %d has %d columns, want %d", i, len(row), len(s.Mean))
		}
		out[i] = make([]float64, len(row))
		for j, v := range row {
			out[i][j] = v*s.Std[j] + s.Mean[j]
		}
	}
	return out, nil
}

// SignalCategories is the fixed one-hot column order.
var SignalCategories = []model.SignalKind{model.SignalSell, model.SignalHold, model.SignalBuy}

// OneHot encodes a single signal column as three indicator columns.
// Categories are fixed, so Fit only validates.
type OneHot struct{}

func (OneHot) Fit(rows [][]float64) error {
	_, err := OneHot{}.Transform(rows)
	return err
}

func (OneHot) Transform(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != 1 {
			return nil, fmt.Errorf("one-hot: row %d has %d columns, want 1", i, len(row))
		}
		idx := categoryIndex(row[0])
		if idx < 0 {
			return nil, fmt.Errorf("one-hot: unknown category %v", row[0])
		}
		out[i] = make([]float64, len(SignalCategories))
		out[i][idx] = 1
	}
	return out, nil
}

// InverseTransform decodes each row to the category with the highest score.
func (OneHot) InverseTransform(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(SignalCategories) {
			return nil, fmt.Errorf("one-hot: row %d has %d columns, want %d", i, len(row), len(SignalCategories))
		}
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = []float64{float64(SignalCategories[best])}
	}
	return out, nil
}

func categoryIndex(v float64) int {
	for i, c := range SignalCategories {
		if float64(c) == v {
			return i
		}
	}
	return -1
}

// Pipeline scales features and encodes targets.
type Pipeline struct {
	x      *StandardScaler
	y      Encoder
	fitted bool
}

// NewPipeline builds the pipeline for target "signal" (one-hot) or "range" (scaled).
func NewPipeline(target string) *Pipeline {
	p := &Pipeline{x: &StandardScaler{}}
	if target == TargetSignal {
		p.y = OneHot{}
	} else {
		p.y = &StandardScaler{}
	}
	return p
}

func (p *Pipeline) FitX(x [][]float64) error {
	if err := p.x.Fit(x); err != nil {
		return err
	}
	p.fitted = true
	return nil
}

func (p *Pipeline) FitY(y [][]float64) error { return p.y.Fit(y) }

func (p *Pipeline) TransformX(x [][]float64) ([][]float64, error) {
	if !p.fitted {
		return nil, ErrNotFitted
	}
	return p.x.Transform(x)
}

func (p *Pipeline) TransformY(y [][]float64) ([][]float64, error) { return p.y.Transform(y) }

func (p *Pipeline) InverseTransformY(yHat [][]float64) ([][]float64, error) {
	return p.y.InverseTransform(yHat)
}

// Fitted reports whether FitX ran.
func (p *Pipeline) Fitted() bool { return p.fitted }
