package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	// Decoders for image.DecodeConfig
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/logger"
	"github.com/dj-oyu/traffic-monitor/congestion-server/pkg/types"
)

// DefaultDirFrameRate is the replay rate when none is configured
const DefaultDirFrameRate = 25.0

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

type dirEntry struct {
	path   string
	jpeg   bool
	width  int
	height int
}

// DirSource replays the still images of a directory, sorted by file name,
// as a video. It reports ErrEndOfStream after the last image; Restart
// rewinds to the first.
type DirSource struct {
	mu      sync.Mutex
	dir     string
	fps     float64
	entries []dirEntry
	pos     int
	seq     uint64
	closed  bool
	log     logger.ModuleLogger
}

// OpenDir scans dir and validates every image header. A directory with no
// decodable images is an error.
func OpenDir(dir string, fps float64) (*DirSource, error) {
	if fps <= 0 {
		fps = DefaultDirFrameRate
	}

	entries, err := scanDir(dir)
	if err != nil {
		return nil, err
	}

	s := &DirSource{
		dir:     dir,
		fps:     fps,
		entries: entries,
		log:     logger.For("DirSource"),
	}
	s.log.Info("Opened %s: %d images at %.1f fps", dir, len(entries), fps)
	return s, nil
}

func scanDir(dir string) ([]dirEntry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names)

	entries := make([]dirEntry, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		e, err := probe(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	return entries, nil
}

func probe(path string) (dirEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return dirEntry{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return dirEntry{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return dirEntry{
		path:   path,
		jpeg:   format == "jpeg",
		width:  cfg.Width,
		height: cfg.Height,
	}, nil
}

// NextFrame implements FrameSource
func (s *DirSource) NextFrame(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("frame directory closed")
	}
	if s.pos >= len(s.entries) {
		return nil, ErrEndOfStream
	}

	e := s.entries[s.pos]
	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", e.path, err)
	}
	s.pos++
	s.seq++

	format := types.FormatImage
	if e.jpeg || isJPEG(data) {
		format = types.FormatJPEG
	}

	return &types.Frame{
		Data:      data,
		Format:    format,
		Timestamp: time.Now(),
		FrameNum:  s.seq,
		Width:     e.width,
		Height:    e.height,
	}, nil
}

// Restart implements FrameSource. The directory is rescanned so images
// added since the last pass are picked up.
func (s *DirSource) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("frame directory closed")
	}

	entries, err := scanDir(s.dir)
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	s.entries = entries
	s.pos = 0
	s.log.Debug("Rewound %s (%d images)", s.dir, len(entries))
	return nil
}

// FrameRate implements FrameSource
func (s *DirSource) FrameRate() float64 { return s.fps }

// Close implements FrameSource
func (s *DirSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of images in the current pass
func (s *DirSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func isJPEG(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF})
}
