package egomotion

import (
	"math/rand"
	"runtime"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// minSampleSize is the correspondence count of one RANSAC hypothesis; the
// linear essential solver needs eight points.
const minSampleSize = 8

// RANSACConfig controls the random-sample-consensus search.
type RANSACConfig struct {
	// Iterations is the fixed hypothesis budget.
	Iterations int `json:"iterations"`
	// Threshold is the Sampson distance (normalized coordinates) below
	// which a correspondence counts as an inlier.
	Threshold float64 `json:"threshold"`
	// Seed makes the search reproducible.
	Seed int64 `json:"seed"`
	// Workers bounds hypothesis-level parallelism; 0 means GOMAXPROCS.
	Workers int `json:"workers"`
}

// DefaultRANSACConfig returns the iteration budget and inlier threshold
// used for endoscopic sequences.
func DefaultRANSACConfig() RANSACConfig {
	return RANSACConfig{Iterations: 512, Threshold: 1e-4, Seed: 1}
}

// RansacEssential searches for the essential matrix with the largest
// inlier support over normalized correspondences. Hypotheses are scored in
// parallel worker groups, each keeping a local best that is merged at the
// end. The winning model is refit on its inliers. It returns the essential
// matrix and the inlier count of the refit model.
func RansacEssential(pts1, pts2 []r2.Point, cfg RANSACConfig, logger golog.Logger) (*mat.Dense, int, error) {
	if len(pts1) != len(pts2) {
		return nil, 0, errors.New("correspondence sets differ in length")
	}
	n := len(pts1)
	if n < minSampleSize {
		return nil, 0, errors.Errorf("need at least %d correspondences, got %d", minSampleSize, n)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > cfg.Iterations {
		workers = 1
	}

	type result struct {
		e       *mat.Dense
		inliers int
		score   float64
	}
	results := make([]result, workers)
	perWorker := cfg.Iterations / workers
	extra := cfg.Iterations % workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for wk := 0; wk < workers; wk++ {
		wk := wk
		iters := perWorker
		if wk < extra {
			iters++
		}
		goutils.PanicCapturingGo(func() {
			defer wg.Done()
			//nolint:gosec
			rnd := rand.New(rand.NewSource(cfg.Seed + int64(wk)))
			sample1 := make([]r2.Point, minSampleSize)
			sample2 := make([]r2.Point, minSampleSize)
			best := result{}
			for it := 0; it < iters; it++ {
				sampleIndices(rnd, n, sample1, sample2, pts1, pts2)
				e, err := EssentialFromCorrespondences(sample1[:], sample2[:])
				if err != nil {
					continue
				}
				inliers, score := countInliers(e, pts1, pts2, cfg.Threshold)
				if inliers > best.inliers || (inliers == best.inliers && score < best.score) {
					best = result{e, inliers, score}
				}
			}
			results[wk] = best
		})
	}
	wg.Wait()

	best := results[0]
	for _, r := range results[1:] {
		if r.e == nil {
			continue
		}
		if best.e == nil || r.inliers > best.inliers ||
			(r.inliers == best.inliers && r.score < best.score) {
			best = r
		}
	}
	if best.e == nil {
		return nil, 0, errors.New("no RANSAC hypothesis produced a valid essential matrix")
	}

	// refit on the inlier set of the best hypothesis
	in1, in2 := inlierSubset(best.e, pts1, pts2, cfg.Threshold)
	if len(in1) >= minSampleSize {
		if refit, err := EssentialFromCorrespondences(in1, in2); err == nil {
			inliers, _ := countInliers(refit, pts1, pts2, cfg.Threshold)
			if inliers >= best.inliers {
				logger.Debugw("refit essential matrix on inliers", "inliers", inliers, "points", n)
				return refit, inliers, nil
			}
		}
	}
	return best.e, best.inliers, nil
}

// sampleIndices draws a minimal sample of distinct correspondences.
func sampleIndices(rnd *rand.Rand, n int, s1, s2, pts1, pts2 []r2.Point) {
	seen := make(map[int]struct{}, minSampleSize)
	for i := 0; i < minSampleSize; {
		idx := rnd.Intn(n)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		s1[i] = pts1[idx]
		s2[i] = pts2[idx]
		i++
	}
}

func countInliers(e *mat.Dense, pts1, pts2 []r2.Point, threshold float64) (int, float64) {
	inliers := 0
	total := 0.0
	for i := range pts1 {
		d := SampsonDistance(e, pts1[i], pts2[i])
		if d < threshold {
			inliers++
			total += d
		}
	}
	if inliers == 0 {
		return 0, 0
	}
	return inliers, total / float64(inliers)
}

func inlierSubset(e *mat.Dense, pts1, pts2 []r2.Point, threshold float64) ([]r2.Point, []r2.Point) {
	var in1, in2 []r2.Point
	for i := range pts1 {
		if SampsonDistance(e, pts1[i], pts2[i]) < threshold {
			in1 = append(in1, pts1[i])
			in2 = append(in2, pts2[i])
		}
	}
	return in1, in2
}
