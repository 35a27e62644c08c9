package trainer

import (
	"context"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/endovislab/sfmtrain/camera"
)

// DirectorySource yields batches from a folder of sequentially named video
// frames. Each batch item is a temporal window around a center frame; the
// calibration comes from a JSON intrinsics file and is rescaled to the
// training resolution.
type DirectorySource struct {
	opt    *Options
	frames []string
	intr   camera.Intrinsics

	minOffset int
	maxOffset int
	pos       int
}

var frameExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// NewDirectorySource lists the frames under dir (sorted lexically) and
// loads the camera calibration from intrinsicsPath.
func NewDirectorySource(opt *Options, dir, intrinsicsPath string) (*DirectorySource, error) {
	if opt.UseStereo {
		return nil, errors.New("directory sources carry monocular sequences only")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "error listing frame directory")
	}
	var frames []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if frameExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			frames = append(frames, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(frames)

	intr, err := camera.NewIntrinsicsFromJSONFile(intrinsicsPath)
	if err != nil {
		return nil, err
	}

	s := &DirectorySource{
		opt:    opt,
		frames: frames,
		intr:   intr.Scaled(opt.Width, opt.Height),
	}
	for _, fi := range opt.FrameIDs {
		if fi < s.minOffset {
			s.minOffset = fi
		}
		if fi > s.maxOffset {
			s.maxOffset = fi
		}
	}
	if len(frames) < s.maxOffset-s.minOffset+opt.BatchSize {
		return nil, errors.Errorf("directory %q has only %d usable frames", dir, len(frames))
	}
	s.pos = -s.minOffset
	return s, nil
}

// Reset implements BatchSource.
func (s *DirectorySource) Reset() error {
	s.pos = -s.minOffset
	return nil
}

// Next implements BatchSource. Partial trailing batches are dropped.
func (s *DirectorySource) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opt := s.opt
	lastCenter := len(s.frames) - 1 - s.maxOffset
	if s.pos+opt.BatchSize-1 > lastCenter {
		return nil, io.EOF
	}
	images := map[int][]image.Image{}
	intrinsics := make([]camera.Intrinsics, opt.BatchSize)
	for bi := 0; bi < opt.BatchSize; bi++ {
		center := s.pos + bi
		intrinsics[bi] = s.intr
		for _, fi := range opt.FrameIDs {
			img, err := imaging.Open(s.frames[center+fi])
			if err != nil {
				return nil, errors.Wrapf(err, "error loading frame %q", s.frames[center+fi])
			}
			images[fi] = append(images[fi], img)
		}
	}
	s.pos += opt.BatchSize
	return NewBatchFromImages(opt, images, intrinsics)
}
