package predictor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// Output activation of the network.
type Output string

const (
	OutputSoftmax Output = "softmax" // class probabilities, cross-entropy loss
	OutputLinear  Output = "linear"  // regression, squared loss
)

// Network is a single hidden layer feed-forward network trained with mini-batch SGD.
type Network struct {
	inputs  int
	hidden  int
	outputs int
	output  Output

	LearningRate float64
	Seed         int64

	w1 *mat.Dense // inputs x hidden
	b1 *mat.VecDense
	w2 *mat.Dense // hidden x outputs
	b2 *mat.VecDense
}

// NewNetwork creates a network with He-initialised weights.
func NewNetwork(inputs, hidden, outputs int, output Output, seed int64) *Network {
	n := &Network{
		inputs:       inputs,
		hidden:       hidden,
		outputs:      outputs,
		output:       output,
		LearningRate: 0.01,
		Seed:         seed,
		w1:           mat.NewDense(inputs, hidden, nil),
		b1:           mat.NewVecDense(hidden, nil),
		w2:           mat.NewDense(hidden, outputs, nil),
		b2:           mat.NewVecDense(outputs, nil),
	}
	rnd := rand.New(rand.NewSource(seed))
	initWeights(n.w1, rnd, math.Sqrt(2/float64(inputs)))
	initWeights(n.w2, rnd, math.Sqrt(2/float64(hidden)))
	return n
}

func initWeights(m *mat.Dense, rnd *rand.Rand, scale float64) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, rnd.NormFloat64()*scale)
		}
	}
}

func (n *Network) Shape() (int, int) { return n.inputs, n.outputs }

func (n *Network) Clone() Predictor {
	c := *n
	c.w1 = mat.DenseCopyOf(n.w1)
	c.w2 = mat.DenseCopyOf(n.w2)
	c.b1 = mat.VecDenseCopyOf(n.b1)
	c.b2 = mat.VecDenseCopyOf(n.b2)
	return &c
}

// Fit runs epochs passes of mini-batch gradient descent over shuffled rows.
func (n *Network) Fit(x, y [][]float64, epochs, batch int) error {
	if len(x) == 0 || len(x) != len(y) {
		return fmt.Errorf("fit: %d feature rows and %d target rows", len(x), len(y))
	}
	if batch < 1 {
		batch = len(x)
	}
	xm, err := toDense(x, n.inputs)
	if err != nil {
		return fmt.Errorf("fit features: %w", err)
	}
	ym, err := toDense(y, n.outputs)
	if err != nil {
		return fmt.Errorf("fit targets: %w", err)
	}

	rnd := rand.New(rand.NewSource(n.Seed))
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}
	for epoch := 0; epoch < epochs; epoch++ {
		rnd.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for from := 0; from < len(order); from += batch {
			to := from + batch
			if to > len(order) {
				to = len(order)
			}
			n.step(rows(xm, order[from:to]), rows(ym, order[from:to]))
		}
	}

	for _, v := range n.w2.RawMatrix().Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("fit diverged")
		}
	}
	return nil
}

// step applies one gradient update for a batch.
func (n *Network) step(x, y *mat.Dense) {
	m, _ := x.Dims()
	z1, a1, out := n.forward(x)

	// softmax with cross-entropy and linear with squared loss share this gradient
	var dz2 mat.Dense
	dz2.Sub(out, y)
	dz2.Scale(1/float64(m), &dz2)

	var dw2 mat.Dense
	dw2.Mul(a1.T(), &dz2)
	db2 := colSums(&dz2)

	var da1 mat.Dense
	da1.Mul(&dz2, n.w2.T())
	da1.Apply(func(i, j int, v float64) float64 {
		if z1.At(i, j) <= 0 {
			return 0
		}
		return v
	}, &da1)

	var dw1 mat.Dense
	dw1.Mul(x.T(), &da1)
	db1 := colSums(&da1)

	lr := n.LearningRate
	n.w2.Apply(func(i, j int, v float64) float64 { return v - lr*dw2.At(i, j) }, n.w2)
	n.w1.Apply(func(i, j int, v float64) float64 { return v - lr*dw1.At(i, j) }, n.w1)
	n.b2.AddScaledVec(n.b2, -lr, db2)
	n.b1.AddScaledVec(n.b1, -lr, db1)
}

func (n *Network) forward(x *mat.Dense) (z1, a1, out *mat.Dense) {
	m, _ := x.Dims()
	z1 = mat.NewDense(m, n.hidden, nil)
	z1.Mul(x, n.w1)
	z1.Apply(func(_, j int, v float64) float64 { return v + n.b1.AtVec(j) }, z1)

	a1 = mat.NewDense(m, n.hidden, nil)
	a1.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, z1)

	out = mat.NewDense(m, n.outputs, nil)
	out.Mul(a1, n.w2)
	out.Apply(func(_, j int, v float64) float64 { return v + n.b2.AtVec(j) }, out)
	if n.output == OutputSoftmax {
		softmaxRows(out)
	}
	return z1, a1, out
}

func (n *Network) Predict(x [][]float64) ([][]float64, error) {
	if len(x) == 0 {
		return nil, nil
	}
	xm, err := toDense(x, n.inputs)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	_, _, out := n.forward(xm)

	m, _ := out.Dims()
	res := make([][]float64, m)
	for i := range res {
		res[i] = mat.Row(nil, i, out)
	}
	return res, nil
}

type weightsIndex struct {
	Inputs  int    `yaml:"inputs"`
	Hidden  int    `yaml:"hidden"`
	Outputs int    `yaml:"outputs"`
	Output  Output `yaml:"output"`
	Params  int    `yaml:"params"`
}

func (n *Network) params() []*mat.Dense {
	return []*mat.Dense{
		n.w1,
		mat.NewDense(1, n.hidden, n.b1.RawVector().Data),
		n.w2,
		mat.NewDense(1, n.outputs, n.b2.RawVector().Data),
	}
}

func (n *Network) paramCount() int {
	return n.inputs*n.hidden + n.hidden + n.hidden*n.outputs + n.outputs
}

// SaveWeights writes the shape manifest to path.index and the parameters
// as little-endian float64 to path.data.
func (n *Network) SaveWeights(path string) error {
	index, err := yaml.Marshal(weightsIndex{
		Inputs:  n.inputs,
		Hidden:  n.hidden,
		Outputs: n.outputs,
		Output:  n.output,
		Params:  n.paramCount(),
	})
	if err != nil {
		return fmt.Errorf("marshal weights index: %w", err)
	}

	f, err := os.Create(path + ".data")
	if err != nil {
		return fmt.Errorf("create weights data: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, p := range n.params() {
		if err := binary.Write(w, binary.LittleEndian, p.RawMatrix().Data); err != nil {
			f.Close()
			return fmt.Errorf("write weights data: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write weights data: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	// index last: an existing index implies complete data
	return os.WriteFile(path+".index", index, 0o644)
}

// LoadWeights restores parameters written by SaveWeights. The shape must match.
func (n *Network) LoadWeights(path string) error {
	raw, err := os.ReadFile(path + ".index")
	if err != nil {
		return fmt.Errorf("read weights index: %w", err)
	}
	var index weightsIndex
	if err := yaml.Unmarshal(raw, &index); err != nil {
		return fmt.Errorf("parse weights index: %w", err)
	}
	if index.Inputs != n.inputs || index.Hidden != n.hidden || index.Outputs != n.outputs || index.Output != n.output {
		return fmt.Errorf("weights shape %dx%dx%d/%s does not match network %dx%dx%d/%s",
			index.Inputs, index.Hidden, index.Outputs, index.Output, n.inputs, n.hidden, n.outputs, n.output)
	}

	f, err := os.Open(path + ".data")
	if err != nil {
		return fmt.Errorf("open weights data: %w", err)
	}
	defer f.Close()

	data := make([]float64, index.Params)
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, data); err != nil {
		return fmt.Errorf("read weights data: %w", err)
	}
	for _, p := range n.params() {
		dst := p.RawMatrix().Data
		copy(dst, data[:len(dst)])
		data = data[len(dst):]
	}
	return nil
}

func toDense(rows [][]float64, width int) (*mat.Dense, error) {
	m := mat.NewDense(len(rows), width, nil)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(row), width)
		}
		m.SetRow(i, row)
	}
	return m, nil
}

func rows(m *mat.Dense, idx []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, r := range idx {
		out.SetRow(i, m.RawRowView(r))
	}
	return out
}

func colSums(m *mat.Dense) *mat.VecDense {
	r, c := m.Dims()
	out := mat.NewVecDense(c, nil)
	for j := 0; j < c; j++ {
		var s float64
		for i := 0; i < r; i++ {
			s += m.At(i, j)
		}
		out.SetVec(j, s)
	}
	return out
}

func softmaxRows(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		top := row[0]
		for _, v := range row[1:] {
			top = math.Max(top, v)
		}
		var sum float64
		for j := 0; j < c; j++ {
			row[j] = math.Exp(row[j] - top)
			sum += row[j]
		}
		for j := 0; j < c; j++ {
			row[j] /= sum
		}
	}
}
