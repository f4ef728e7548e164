package anomaly

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"ledger-reconciliation-service/internal/models"
)

// Feature columns of the ML stage
const (
	featureAmount = iota
	featureDate
	featureAccountFrequency
	featureCount
)

// subset returns a matrix made of the given rows of x
func subset(x *mat.Dense, rows []int) *mat.Dense {
	_, cols := x.Dims()
	out := mat.NewDense(len(rows), cols, nil)
	for k, i := range rows {
		out.SetRow(k, x.RawRowView(i))
	}
	return out
}

// buildFeatures turns canonical transactions into the raw feature matrix:
// amount, date scaled to [0,1] over the observed range, and the share of
// transactions carried by the same account. txns must not be empty.
func buildFeatures(txns []models.Transaction, amounts []float64) *mat.Dense {
	n := len(txns)
	x := mat.NewDense(n, featureCount, nil)

	minDay, maxDay := txns[0].Date, txns[0].Date
	perAccount := make(map[string]int)
	for _, t := range txns {
		if t.Date.Before(minDay) {
			minDay = t.Date
		}
		if t.Date.After(maxDay) {
			maxDay = t.Date
		}
		perAccount[t.AccountID]++
	}
	span := maxDay.Sub(minDay).Hours()

	for i, t := range txns {
		row := x.RawRowView(i)
		row[featureAmount] = amounts[i]
		if span > 0 {
			row[featureDate] = t.Date.Sub(minDay).Hours() / span
		}
		row[featureAccountFrequency] = float64(perAccount[t.AccountID]) / float64(n)
	}
	return x
}

// standardize scales every column in place to zero mean and unit population
// variance. Constant columns become zero.
func standardize(x *mat.Dense) {
	rows, cols := x.Dims()
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mean, std := popMeanStd(mat.Col(col, j, x))
		for i := 0; i < rows; i++ {
			if std == 0 {
				x.Set(i, j, 0)
				continue
			}
			x.Set(i, j, (x.At(i, j)-mean)/std)
		}
	}
}

// overallVariance is the population variance of every entry of x
func overallVariance(x *mat.Dense) float64 {
	rows, cols := x.Dims()
	all := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		all = append(all, x.RawRowView(i)...)
	}
	_, std := popMeanStd(all)
	return std * std
}

func squaredDistance(a, b []float64) float64 {
	var sum float64
	for k := range a {
		d := a[k] - b[k]
		sum += d * d
	}
	return sum
}

func rbf(gamma float64, a, b []float64) float64 {
	return math.Exp(-gamma * squaredDistance(a, b))
}
