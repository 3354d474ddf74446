// Package frames reads decoded video frames from a directory of images.
package frames

import (
	"image"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/disintegration/imaging"

	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/logger"
)

const componentName = "frames"

// DefaultPattern matches common frame dump names such as frame_000015.png.
const DefaultPattern = "*.png"

var trailingNumber = regexp.MustCompile(`(\d+)\D*$`)

// FrameRef points at one frame on disk.
type FrameRef struct {
	Index int
	Path  string
}

// DirSource lists frames in a directory, ordered by frame index.
type DirSource struct {
	dir    string
	frames []FrameRef
	log    logger.Logger
}

// NewDirSource scans dir for files matching pattern whose base name ends in
// an integer frame index. Files without an index are skipped. When two files
// share an index the lexically first path wins.
func NewDirSource(dir, pattern string) (*DirSource, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	log := logger.Global().Module(componentName)

	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Context("directory", dir).
			Build()
	}
	if !info.IsDir() {
		return nil, errors.Newf("frame source %s is not a directory", dir).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("pattern", pattern).
			Build()
	}
	slices.Sort(matches)

	seen := make(map[int]struct{}, len(matches))
	frames := make([]FrameRef, 0, len(matches))
	skipped := 0
	for _, path := range matches {
		idx, ok := frameIndex(path)
		if !ok {
			skipped++
			continue
		}
		if _, dup := seen[idx]; dup {
			log.Warn("duplicate frame index", logger.Int("frame", idx), logger.String("path", path))
			continue
		}
		seen[idx] = struct{}{}
		frames = append(frames, FrameRef{Index: idx, Path: path})
	}
	slices.SortFunc(frames, func(a, b FrameRef) int { return a.Index - b.Index })

	log.Info("frame source scanned",
		logger.String("directory", dir),
		logger.String("pattern", pattern),
		logger.Int("frames", len(frames)),
		logger.Int("skipped", skipped))

	return &DirSource{dir: dir, frames: frames, log: log}, nil
}

func frameIndex(path string) (int, bool) {
	base := filepath.Base(path)
	base = base[:len(base)-len(filepath.Ext(base))]
	m := trailingNumber.FindStringSubmatch(base)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Frames returns every frame in index order.
func (s *DirSource) Frames() []FrameRef {
	return slices.Clone(s.frames)
}

// Range returns frames with from <= Index <= to. A negative to means no
// upper bound.
func (s *DirSource) Range(from, to int) []FrameRef {
	out := make([]FrameRef, 0, len(s.frames))
	for _, f := range s.frames {
		if f.Index < from {
			continue
		}
		if to >= 0 && f.Index > to {
			break
		}
		out = append(out, f)
	}
	return out
}

// Open decodes a frame, applying EXIF orientation.
func (s *DirSource) Open(ref FrameRef) (image.Image, error) {
	img, err := imaging.Open(ref.Path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryImageDecode).
			Context("frame", ref.Index).
			Context("path", ref.Path).
			Build()
	}
	return img, nil
}
