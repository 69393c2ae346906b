package frame

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// DirSource replays a directory of still images as a video stream at a
// fixed frame rate. Capture timestamps are synthesized from the rate so
// replays are deterministic.
type DirSource struct {
	paths    []string
	next     int
	fps      float64
	maxWidth int
	start    time.Time
	realtime bool

	width, height int
}

// DirSourceOptions configures a DirSource.
type DirSourceOptions struct {
	FPS      float64   // nominal rate; default 30
	MaxWidth int       // downscale wider images; 0 keeps source size
	Start    time.Time // timestamp of the first frame; default now
	Realtime bool      // sleep between frames to match FPS
}

// NewDirSource lists the images in dir in lexical order.
func NewDirSource(dir string, opts DirSourceOptions) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	sort.Strings(paths)

	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}

	return &DirSource{
		paths:    paths,
		fps:      opts.FPS,
		maxWidth: opts.MaxWidth,
		start:    opts.Start,
		realtime: opts.Realtime,
	}, nil
}

// Len returns the number of frames the source will produce.
func (s *DirSource) Len() int { return len(s.paths) }

// Next implements Source.
func (s *DirSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.paths) {
		return nil, ErrStreamEnded
	}

	if s.realtime && s.next > 0 {
		t := time.NewTimer(time.Duration(float64(time.Second) / s.fps))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	path := s.paths[s.next]
	img, err := decodeFile(path)
	if err != nil {
		// A corrupt file is a malformed frame, not a lost stream.
		s.next++
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, filepath.Base(path), err)
	}

	ts := s.start.Add(time.Duration(float64(s.next) * float64(time.Second) / s.fps))
	f := FromImage(img, s.maxWidth, ts)
	s.next++

	changed := s.width != 0 && (f.Width != s.width || f.Height != s.height)
	s.width, s.height = f.Width, f.Height
	if changed {
		// Hand the frame out on the following call.
		s.next--
		return nil, ErrStreamChanged
	}
	return f, nil
}

// Resolution implements Source.
func (s *DirSource) Resolution() (int, int) { return s.width, s.height }

// Close implements Source.
func (s *DirSource) Close() error { return nil }

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}
