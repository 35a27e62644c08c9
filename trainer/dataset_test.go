package trainer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"go.viam.com/test"
)

func writeFrameDir(t *testing.T, n int) (string, string) {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := imaging.New(96, 64, imageGray(uint8(20*i)))
		path := filepath.Join(dir, fmt.Sprintf("frame_%03d.png", i))
		test.That(t, imaging.Save(img, path), test.ShouldBeNil)
	}
	intrPath := filepath.Join(dir, "intrinsics.json")
	body := `{"width_px":96,"height_px":64,"fx":55.7,"fy":122.9,"ppx":48,"ppy":32}`
	test.That(t, os.WriteFile(intrPath, []byte(body), 0o644), test.ShouldBeNil)
	return dir, intrPath
}

func TestDirectorySource(t *testing.T) {
	opt := smallOptions()
	opt.BatchSize = 2
	dir, intrPath := writeFrameDir(t, 7)

	src, err := NewDirectorySource(opt, dir, intrPath)
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	b, err := src.Next(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.Validate(opt), test.ShouldBeNil)
	test.That(t, b.Size, test.ShouldEqual, 2)
	test.That(t, b.Intrinsics[0].Width, test.ShouldEqual, opt.Width)

	// frames 0..6 with offsets -1/+1 allow centers 1..5: batches
	// {1,2} and {3,4}; the trailing center 5 is dropped
	_, err = src.Next(ctx)
	test.That(t, err, test.ShouldBeNil)
	_, err = src.Next(ctx)
	test.That(t, err, test.ShouldEqual, io.EOF)

	test.That(t, src.Reset(), test.ShouldBeNil)
	_, err = src.Next(ctx)
	test.That(t, err, test.ShouldBeNil)
}

func TestDirectorySourceErrors(t *testing.T) {
	opt := smallOptions()
	dir, intrPath := writeFrameDir(t, 7)

	stereo := smallOptions()
	stereo.UseStereo = true
	_, err := NewDirectorySource(stereo, dir, intrPath)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewDirectorySource(opt, filepath.Join(dir, "missing"), intrPath)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewDirectorySource(opt, dir, filepath.Join(dir, "no_intrinsics.json"))
	test.That(t, err, test.ShouldNotBeNil)

	// too few frames for one batch
	shortDir, shortIntr := writeFrameDir(t, 2)
	_, err = NewDirectorySource(opt, shortDir, shortIntr)
	test.That(t, err, test.ShouldNotBeNil)
}
