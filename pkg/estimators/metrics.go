package estimators

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"

	"kubegems.io/modelkit/pkg/errors"
)

func checkTargets(yTrue, yPred []float64, sampleWeight []float64) ([]float64, error) {
	if len(yTrue) != len(yPred) {
		return nil, errors.NewInvalidParameterError(fmt.Sprintf("found input variables with inconsistent numbers of samples: [%d, %d]", len(yTrue), len(yPred)))
	}
	if len(yTrue) == 0 {
		return nil, errors.NewInvalidParameterError("found array with 0 samples")
	}
	if sampleWeight == nil {
		return nil, nil
	}
	if len(sampleWeight) != len(yTrue) {
		return nil, errors.NewInvalidParameterError(fmt.Sprintf("sample_weight has %d samples, expected %d", len(sampleWeight), len(yTrue)))
	}
	return sampleWeight, nil
}

func weightOf(w []float64, i int) float64 {
	if w == nil {
		return 1
	}
	return w[i]
}

func MeanSquaredError(yTrue, yPred []float64, sampleWeight []float64) (float64, error) {
	w, err := checkTargets(yTrue, yPred, sampleWeight)
	if err != nil {
		return 0, err
	}
	sq := make([]float64, len(yTrue))
	for i := range yTrue {
		d := yTrue[i] - yPred[i]
		sq[i] = d * d
	}
	return stat.Mean(sq, w), nil
}

func MeanAbsoluteError(yTrue, yPred []float64, sampleWeight []float64) (float64, error) {
	w, err := checkTargets(yTrue, yPred, sampleWeight)
	if err != nil {
		return 0, err
	}
	abs := make([]float64, len(yTrue))
	for i := range yTrue {
		abs[i] = math.Abs(yTrue[i] - yPred[i])
	}
	return stat.Mean(abs, w), nil
}

func RootMeanSquaredError(yTrue, yPred []float64, sampleWeight []float64) (float64, error) {
	mse, err := MeanSquaredError(yTrue, yPred, sampleWeight)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(mse), nil
}

// R2Score is 1 - SS_res/SS_tot. A constant target scores 1 when predicted exactly and 0 otherwise.
func R2Score(yTrue, yPred []float64, sampleWeight []float64) (float64, error) {
	w, err := checkTargets(yTrue, yPred, sampleWeight)
	if err != nil {
		return 0, err
	}
	mean := stat.Mean(yTrue, w)
	var ssRes, ssTot float64
	for i := range yTrue {
		wi := weightOf(w, i)
		ssRes += wi * (yTrue[i] - yPred[i]) * (yTrue[i] - yPred[i])
		ssTot += wi * (yTrue[i] - mean) * (yTrue[i] - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 1 - ssRes/ssTot, nil
}

func AccuracyScore(yTrue, yPred []float64, sampleWeight []float64) (float64, error) {
	w, err := checkTargets(yTrue, yPred, sampleWeight)
	if err != nil {
		return 0, err
	}
	var correct, total float64
	for i := range yTrue {
		wi := weightOf(w, i)
		if yTrue[i] == yPred[i] {
			correct += wi
		}
		total += wi
	}
	return correct / total, nil
}

// PrecisionRecallF1 returns the support weighted averages over the labels of yTrue and yPred.
func PrecisionRecallF1(yTrue, yPred []float64, sampleWeight []float64) (precision, recall, f1 float64, err error) {
	w, err := checkTargets(yTrue, yPred, sampleWeight)
	if err != nil {
		return 0, 0, 0, err
	}
	labels := uniqueSorted(append(slices.Clone(yTrue), yPred...))
	var totalSupport float64
	for _, label := range labels {
		var tp, fp, fn float64
		for i := range yTrue {
			wi := weightOf(w, i)
			switch {
			case yTrue[i] == label && yPred[i] == label:
				tp += wi
			case yTrue[i] != label && yPred[i] == label:
				fp += wi
			case yTrue[i] == label && yPred[i] != label:
				fn += wi
			}
		}
		support := tp + fn
		var p, r, f float64
		if tp+fp > 0 {
			p = tp / (tp + fp)
		}
		if support > 0 {
			r = tp / support
		}
		if p+r > 0 {
			f = 2 * p * r / (p + r)
		}
		precision += p * support
		recall += r * support
		f1 += f * support
		totalSupport += support
	}
	if totalSupport == 0 {
		return 0, 0, 0, nil
	}
	return precision / totalSupport, recall / totalSupport, f1 / totalSupport, nil
}

// LogLoss is the cross entropy of proba, whose columns follow classes.
func LogLoss(yTrue []float64, proba [][]float64, classes []float64, sampleWeight []float64) (float64, error) {
	if len(yTrue) != len(proba) {
		return 0, errors.NewInvalidParameterError(fmt.Sprintf("found input variables with inconsistent numbers of samples: [%d, %d]", len(yTrue), len(proba)))
	}
	const eps = 1e-15
	losses := make([]float64, len(yTrue))
	for i, y := range yTrue {
		idx := slices.Index(classes, y)
		if idx < 0 || idx >= len(proba[i]) {
			return 0, errors.NewInvalidParameterError(fmt.Sprintf("y contains label %v not in classes %v", y, classes))
		}
		p := math.Min(math.Max(proba[i][idx], eps), 1-eps)
		losses[i] = -math.Log(p)
	}
	return stat.Mean(losses, sampleWeight), nil
}

// RocAucScore is the area under the ROC curve. Multiclass scores are one-vs-rest averaged by prevalence.
func RocAucScore(yTrue []float64, proba [][]float64, classes []float64, sampleWeight []float64) (float64, error) {
	if len(classes) < 2 {
		return 0, errors.NewInvalidParameterError("roc auc needs at least two classes")
	}
	if len(classes) == 2 {
		return binaryAuc(yTrue, column(proba, 1), classes[1], sampleWeight)
	}
	var total, weighted float64
	for c, label := range classes {
		auc, err := binaryAuc(yTrue, column(proba, c), label, sampleWeight)
		if err != nil {
			return 0, err
		}
		var support float64
		for i, y := range yTrue {
			if y == label {
				support += weightOf(sampleWeight, i)
			}
		}
		weighted += auc * support
		total += support
	}
	return weighted / total, nil
}

func binaryAuc(yTrue, score []float64, positive float64, sampleWeight []float64) (float64, error) {
	fpr, tpr, _, err := RocCurve(yTrue, score, positive, sampleWeight)
	if err != nil {
		return 0, err
	}
	auc := 0.0
	for i := 1; i < len(fpr); i++ {
		auc += (fpr[i] - fpr[i-1]) * (tpr[i] + tpr[i-1]) / 2
	}
	return auc, nil
}

type scored struct {
	score  float64
	pos    bool
	weight float64
}

// curvePoints accumulates true and false positives at every distinct threshold, highest first.
func curvePoints(yTrue, score []float64, positive float64, sampleWeight []float64) (thresholds, tps, fps []float64, err error) {
	if len(yTrue) != len(score) {
		return nil, nil, nil, errors.NewInvalidParameterError(fmt.Sprintf("found input variables with inconsistent numbers of samples: [%d, %d]", len(yTrue), len(score)))
	}
	points := make([]scored, len(yTrue))
	for i := range yTrue {
		points[i] = scored{score: score[i], pos: yTrue[i] == positive, weight: weightOf(sampleWeight, i)}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].score > points[j].score })
	var tp, fp float64
	for i, p := range points {
		if p.pos {
			tp += p.weight
		} else {
			fp += p.weight
		}
		if i == len(points)-1 || points[i+1].score != p.score {
			thresholds = append(thresholds, p.score)
			tps = append(tps, tp)
			fps = append(fps, fp)
		}
	}
	return thresholds, tps, fps, nil
}

// RocCurve returns false positive rates, true positive rates and the decreasing thresholds.
// The leading threshold is the highest score plus one, so that no sample is predicted positive.
func RocCurve(yTrue, score []float64, positive float64, sampleWeight []float64) (fpr, tpr, thresholds []float64, err error) {
	th, tps, fps, err := curvePoints(yTrue, score, positive, sampleWeight)
	if err != nil {
		return nil, nil, nil, err
	}
	totalPos, totalNeg := tps[len(tps)-1], fps[len(fps)-1]
	if totalPos == 0 || totalNeg == 0 {
		return nil, nil, nil, errors.NewInvalidParameterError("only one class present in y_true, ROC AUC score is not defined in that case")
	}
	fpr, tpr, thresholds = []float64{0}, []float64{0}, []float64{th[0] + 1}
	for i := range th {
		fpr = append(fpr, fps[i]/totalNeg)
		tpr = append(tpr, tps[i]/totalPos)
		thresholds = append(thresholds, th[i])
	}
	return fpr, tpr, thresholds, nil
}

// PrecisionRecallCurve returns precision and recall with increasing thresholds, ending at precision 1 and recall 0.
func PrecisionRecallCurve(yTrue, score []float64, positive float64, sampleWeight []float64) (precision, recall, thresholds []float64, err error) {
	th, tps, fps, err := curvePoints(yTrue, score, positive, sampleWeight)
	if err != nil {
		return nil, nil, nil, err
	}
	totalPos := tps[len(tps)-1]
	if totalPos == 0 {
		return nil, nil, nil, errors.NewInvalidParameterError("no positive samples in y_true")
	}
	// stop once full recall is reached, then reverse
	last := slices.Index(tps, totalPos)
	for i := last; i >= 0; i-- {
		precision = append(precision, tps[i]/(tps[i]+fps[i]))
		recall = append(recall, tps[i]/totalPos)
		thresholds = append(thresholds, th[i])
	}
	precision = append(precision, 1)
	recall = append(recall, 0)
	return precision, recall, thresholds, nil
}

// ConfusionMatrix counts samples with true label labels[i] predicted as labels[j] at [i][j].
func ConfusionMatrix(yTrue, yPred []float64, labels []float64, sampleWeight []float64) ([][]float64, error) {
	w, err := checkTargets(yTrue, yPred, sampleWeight)
	if err != nil {
		return nil, err
	}
	if labels == nil {
		labels = uniqueSorted(append(slices.Clone(yTrue), yPred...))
	}
	out := make([][]float64, len(labels))
	for i := range out {
		out[i] = make([]float64, len(labels))
	}
	for i := range yTrue {
		ti, pi := slices.Index(labels, yTrue[i]), slices.Index(labels, yPred[i])
		if ti < 0 || pi < 0 {
			continue
		}
		out[ti][pi] += weightOf(w, i)
	}
	return out, nil
}

func column(x [][]float64, j int) []float64 {
	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = row[j]
	}
	return out
}

// Scoring returns the named scoring function; higher is better for all of them.
func Scoring(name string) (func(est Predictor, X [][]float64, y []float64) (float64, error), error) {
	var metric func(yTrue, yPred, w []float64) (float64, error)
	sign := 1.0
	switch name {
	case "accuracy":
		metric = AccuracyScore
	case "r2":
		metric = R2Score
	case "neg_mean_squared_error":
		metric, sign = MeanSquaredError, -1
	case "neg_mean_absolute_error":
		metric, sign = MeanAbsoluteError, -1
	case "neg_root_mean_squared_error":
		metric, sign = RootMeanSquaredError, -1
	case "f1_weighted":
		metric = func(yTrue, yPred, w []float64) (float64, error) {
			_, _, f1, err := PrecisionRecallF1(yTrue, yPred, w)
			return f1, err
		}
	default:
		return nil, errors.NewInvalidParameterError(fmt.Sprintf("'%s' is not a valid scoring value", name))
	}
	return func(est Predictor, X [][]float64, y []float64) (float64, error) {
		pred, err := est.Predict(X)
		if err != nil {
			return 0, err
		}
		v, err := metric(y, pred, nil)
		return sign * v, err
	}, nil
}
