package keypoints

import (
	"image"
	"math/bits"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// MatchingConfig contains the parameters for matching descriptors.
type MatchingConfig struct {
	// Ratio is the Lowe ratio-test threshold: a match is accepted when the
	// best distance is below Ratio times the second-best distance.
	Ratio float64 `json:"ratio"`
	// MinMatches is the number of surviving matches below which the
	// ratio filter is relaxed and all nearest-neighbor candidates kept.
	MinMatches int `json:"min_matches"`
}

// DefaultMatchingConfig mirrors the usual 0.8 ratio test.
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{Ratio: 0.8, MinMatches: 20}
}

// Match pairs descriptor index Idx1 in the first set with Idx2 in the
// second, at Hamming distance Dist.
type Match struct {
	Idx1 int
	Idx2 int
	Dist int
}

// hammingDistance counts differing bits between two packed descriptors.
func hammingDistance(a, b Descriptor) int {
	d := 0
	for i := range a {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d
}

// MatchDescriptors matches desc1 against desc2 with a nearest-neighbor
// ratio test. Degraded reports whether the ratio filter was relaxed
// because too few matches survived it. Matches are returned sorted by
// ascending distance.
func MatchDescriptors(desc1, desc2 Descriptors, cfg *MatchingConfig, logger golog.Logger) (matches []Match, degraded bool, err error) {
	if len(desc1) == 0 || len(desc2) == 0 {
		return nil, false, errors.New("cannot match empty descriptor sets")
	}
	type nn struct {
		best, second, bestIdx int
	}
	nns := make([]nn, len(desc1))
	for i, d1 := range desc1 {
		best, second, bestIdx := 1<<30, 1<<30, -1
		for j, d2 := range desc2 {
			d := hammingDistance(d1, d2)
			if d < best {
				second = best
				best = d
				bestIdx = j
			} else if d < second {
				second = d
			}
		}
		nns[i] = nn{best, second, bestIdx}
	}

	keep := func(ratioTest bool) []Match {
		out := make([]Match, 0, len(desc1))
		for i, n := range nns {
			if n.bestIdx < 0 {
				continue
			}
			if ratioTest && !(float64(n.best) < cfg.Ratio*float64(n.second)) {
				continue
			}
			out = append(out, Match{Idx1: i, Idx2: n.bestIdx, Dist: n.best})
		}
		return out
	}

	matches = keep(true)
	if len(matches) < cfg.MinMatches {
		logger.Debugw("ratio test left too few matches, relaxing filter",
			"kept", len(matches), "min", cfg.MinMatches)
		matches = keep(false)
		degraded = true
	}

	// sort by distance
	dists := make([]float64, len(matches))
	for i, m := range matches {
		dists[i] = float64(m.Dist)
	}
	order := make([]int, len(matches))
	floats.Argsort(dists, order)
	sorted := make([]Match, len(matches))
	for i, idx := range order {
		sorted[i] = matches[idx]
	}
	return sorted, degraded, nil
}

// MatchedPoints resolves matches back to the two keypoint sets.
func MatchedPoints(matches []Match, kps1, kps2 KeyPoints) (KeyPoints, KeyPoints, error) {
	pts1 := make(KeyPoints, len(matches))
	pts2 := make(KeyPoints, len(matches))
	for i, m := range matches {
		if m.Idx1 >= len(kps1) || m.Idx2 >= len(kps2) {
			return nil, nil, errors.Errorf("match (%d,%d) out of keypoint range (%d,%d)",
				m.Idx1, m.Idx2, len(kps1), len(kps2))
		}
		pts1[i] = kps1[m.Idx1]
		pts2[i] = kps2[m.Idx2]
	}
	return pts1, pts2, nil
}

// DetectAndDescribe runs the primary FAST detector, falls back to Harris
// when fewer than minKeypoints corners are found, and computes BRIEF
// descriptors for whichever set is used.
func DetectAndDescribe(
	img *image.Gray,
	sp *SamplePairs,
	fastCfg *FASTConfig,
	harrisCfg *HarrisConfig,
	briefCfg *BRIEFConfig,
	minKeypoints int,
	logger golog.Logger,
) (KeyPoints, Descriptors) {
	kps := DetectFAST(img, fastCfg)
	if len(kps) < minKeypoints {
		logger.Debugw("FAST found too few keypoints, falling back to Harris", "fast", len(kps))
		if harris := DetectHarris(img, harrisCfg); len(harris) > len(kps) {
			kps = harris
		}
	}
	if len(kps) == 0 {
		return nil, nil
	}
	var orientations []float64
	if briefCfg.UseOrientation {
		orientations = Orientations(img, kps, 7)
	}
	descs := ComputeBRIEFDescriptors(img, sp, kps, orientations, briefCfg)
	return kps, descs
}
