// Package shm reads camera frames from the capture daemon's POSIX shared
// memory ring buffer.
package shm

/*
#cgo LDFLAGS: -lrt -lpthread

#include <stdlib.h>
#include <stdint.h>
#include <time.h>
#include <sys/mman.h>
#include <fcntl.h>
#include <unistd.h>
#include <string.h>
#include <semaphore.h>
#include <errno.h>

#ifndef EINVAL
#define EINVAL 22
#endif

#define RING_BUFFER_SIZE 30
#define MAX_FRAME_SIZE (1920 * 1080 * 3 / 2)

// Layout written by the capture daemon
typedef struct {
    uint64_t frame_number;
    struct timespec timestamp;
    int camera_id;
    int width;
    int height;
    int format;
    size_t data_size;
    float brightness_avg;
    uint32_t brightness_lux;
    uint8_t brightness_zone;
    uint8_t correction_applied;
    uint8_t _reserved[2];
    uint8_t data[MAX_FRAME_SIZE];
} Frame;

typedef struct {
    volatile uint32_t write_index;
    volatile uint32_t frame_interval_ms;
    uint8_t new_frame_sem[32];
    Frame frames[RING_BUFFER_SIZE];
} SharedFrameBuffer;

// RDWR is required for sem_timedwait on the embedded semaphore
static SharedFrameBuffer* open_shm(const char* name) {
    int fd = shm_open(name, O_RDWR, 0666);
    if (fd == -1) {
        return NULL;
    }
    SharedFrameBuffer* shm = (SharedFrameBuffer*)mmap(
        NULL, sizeof(SharedFrameBuffer), PROT_READ | PROT_WRITE, MAP_SHARED, fd, 0);
    close(fd);
    if (shm == MAP_FAILED) {
        return NULL;
    }
    return shm;
}

// 0 on success, negative errno otherwise (-ETIMEDOUT on timeout)
static int wait_new_frame(SharedFrameBuffer* shm, int timeout_ms) {
    if (shm == NULL) {
        return -EINVAL;
    }
    struct timespec ts;
    if (clock_gettime(CLOCK_REALTIME, &ts) != 0) {
        return -errno;
    }
    ts.tv_sec += timeout_ms / 1000;
    ts.tv_nsec += (timeout_ms % 1000) * 1000000;
    if (ts.tv_nsec >= 1000000000) {
        ts.tv_sec += 1;
        ts.tv_nsec -= 1000000000;
    }
    if (sem_timedwait((sem_t*)&shm->new_frame_sem, &ts) == -1) {
        return -errno;
    }
    return 0;
}

static void close_shm(SharedFrameBuffer* shm) {
    if (shm != NULL) {
        munmap((void*)shm, sizeof(SharedFrameBuffer));
    }
}

static uint32_t get_write_index(SharedFrameBuffer* shm) {
    return shm->write_index;
}

static uint32_t get_frame_interval_ms(SharedFrameBuffer* shm) {
    return shm->frame_interval_ms;
}

static int read_frame(SharedFrameBuffer* shm, uint32_t index, Frame* out) {
    if (index >= RING_BUFFER_SIZE) {
        return -1;
    }
    memcpy(out, &shm->frames[index], sizeof(Frame));
    return 0;
}
*/
import "C"
import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/logger"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/source"
	"github.com/dj-oyu/traffic-monitor/congestion-server/pkg/types"
)

const (
	// DefaultName is the segment the capture daemon publishes
	DefaultName = "/pet_camera_stream"

	ringBufferSize = 30
	maxFrameSize   = 1920 * 1080 * 3 / 2

	etimedout = 110
	eintr     = 4
)

// Options configures Open
type Options struct {
	Name string
	// WaitTimeout bounds one semaphore wait; a timeout is reported as
	// end of stream so the caller restarts the source
	WaitTimeout time.Duration
	// OpenRetries is how many one-second attempts Open makes while the
	// capture daemon starts
	OpenRetries int
}

func (o *Options) applyDefaults() {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 2 * time.Second
	}
	if o.OpenRetries <= 0 {
		o.OpenRetries = 30
	}
}

// ErrNoDecodableFrames is returned when a full ring's worth of published
// frames in a row were H.264 or repeats. The segment is alive but nothing
// on it can be handed to the detector.
var ErrNoDecodableFrames = errors.New("segment carries no decodable frames")

// frameRing is the part of the segment NextFrame polls
type frameRing interface {
	waitNewFrame() error
	// readLatest returns nil when the newest slot holds nothing usable
	readLatest() (*types.Frame, error)
}

// Source is a source.FrameSource over the capture ring buffer. H.264
// frames are skipped; JPEG, NV12 and RGB frames are delivered.
type Source struct {
	mu        sync.Mutex
	opts      Options
	shm       *C.SharedFrameBuffer
	ring      frameRing
	lastFrame uint64
	fps       float64
	log       logger.ModuleLogger
}

// segment reads one mapping of the shared frame buffer
type segment struct {
	shm         *C.SharedFrameBuffer
	waitTimeout time.Duration
}

var _ source.FrameSource = (*Source)(nil)

// Open maps the segment, retrying while it does not exist yet
func Open(opts Options) (*Source, error) {
	opts.applyDefaults()
	s := &Source{opts: opts, log: logger.For("ShmSource")}

	var shm *C.SharedFrameBuffer
	for i := 0; i < opts.OpenRetries; i++ {
		shm = openSegment(opts.Name)
		if shm != nil {
			break
		}
		if i%5 == 0 {
			s.log.Info("Waiting for shared memory %s to appear... (%d/%d)", opts.Name, i+1, opts.OpenRetries)
		}
		time.Sleep(time.Second)
	}
	if shm == nil {
		return nil, fmt.Errorf("open shared memory %s: not available after %d attempts", opts.Name, opts.OpenRetries)
	}

	s.shm = shm
	s.ring = &segment{shm: shm, waitTimeout: opts.WaitTimeout}
	s.fps = rateFromInterval(uint32(C.get_frame_interval_ms(shm)))
	s.log.Info("Opened shared memory %s (%.1f fps)", opts.Name, s.fps)
	return s, nil
}

func openSegment(name string) *C.SharedFrameBuffer {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	return C.open_shm(cName)
}

func rateFromInterval(ms uint32) float64 {
	if ms == 0 {
		return 0
	}
	return 1000.0 / float64(ms)
}

// NextFrame waits for the daemon to publish a frame newer than the last
// one returned. More than ringBufferSize unusable frames in a row fail
// with ErrNoDecodableFrames.
func (s *Source) NextFrame(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ring == nil {
		return nil, errors.New("shared memory not open")
	}

	for skipped := 0; ; skipped++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if skipped > ringBufferSize {
			return nil, fmt.Errorf("%s: %w", s.opts.Name, ErrNoDecodableFrames)
		}

		if err := s.ring.waitNewFrame(); err != nil {
			return nil, err
		}

		frame, err := s.ring.readLatest()
		if err != nil {
			return nil, err
		}
		if frame == nil || frame.FrameNum == s.lastFrame {
			continue
		}
		s.lastFrame = frame.FrameNum
		return frame, nil
	}
}

func (s *segment) waitNewFrame() error {
	result := int(C.wait_new_frame(s.shm, C.int(s.waitTimeout.Milliseconds())))
	switch -result {
	case 0:
		return nil
	case etimedout:
		return source.ErrEndOfStream
	case eintr:
		// Treated as a spurious wakeup; the caller re-reads and dedups
		return nil
	default:
		return fmt.Errorf("semaphore wait failed (errno %d)", -result)
	}
}

func (s *segment) readLatest() (*types.Frame, error) {
	writeIndex := uint32(C.get_write_index(s.shm))
	if writeIndex == 0 {
		return nil, nil
	}
	index := (writeIndex - 1) % ringBufferSize

	var cFrame C.Frame
	if C.read_frame(s.shm, C.uint32_t(index), &cFrame) != 0 {
		return nil, fmt.Errorf("read frame at index %d", index)
	}

	format := types.FrameFormat(cFrame.format)
	if format == types.FormatH264 {
		return nil, nil
	}

	dataSize := int(cFrame.data_size)
	if dataSize <= 0 || dataSize > maxFrameSize {
		return nil, fmt.Errorf("frame %d has invalid size %d", uint64(cFrame.frame_number), dataSize)
	}
	data := make([]byte, dataSize)
	copy(data, (*[maxFrameSize]byte)(unsafe.Pointer(&cFrame.data[0]))[:dataSize:dataSize])

	return &types.Frame{
		Data:      data,
		Format:    format,
		Timestamp: time.Unix(int64(cFrame.timestamp.tv_sec), int64(cFrame.timestamp.tv_nsec)),
		FrameNum:  uint64(cFrame.frame_number),
		Width:     int(cFrame.width),
		Height:    int(cFrame.height),
	}, nil
}

// Restart remaps the segment, picking up a daemon that was restarted
func (s *Source) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shm := openSegment(s.opts.Name)
	if shm == nil {
		return fmt.Errorf("reopen shared memory %s", s.opts.Name)
	}
	if s.shm != nil {
		C.close_shm(s.shm)
	}
	s.shm = shm
	s.ring = &segment{shm: shm, waitTimeout: s.opts.WaitTimeout}
	s.lastFrame = 0
	if fps := rateFromInterval(uint32(C.get_frame_interval_ms(shm))); fps > 0 {
		s.fps = fps
	}
	s.log.Debug("Remapped %s", s.opts.Name)
	return nil
}

// FrameRate implements source.FrameSource
func (s *Source) FrameRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fps
}

// Close unmaps the segment
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shm != nil {
		C.close_shm(s.shm)
		s.shm = nil
	}
	s.ring = nil
	return nil
}
