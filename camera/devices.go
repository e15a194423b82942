package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"islrecognizer/ml"
)

// track is a stoppable track with an optional release hook.
type track struct {
	id      string
	once    sync.Once
	stopped chan struct{}
	release func()
}

func newTrack(kind string, release func()) *track {
	return &track{
		id:      kind + "-" + uuid.NewString(),
		stopped: make(chan struct{}),
		release: release,
	}
}

func (t *track) ID() string { return t.id }

func (t *track) Stop() {
	t.once.Do(func() {
		close(t.stopped)
		if t.release != nil {
			t.release()
		}
	})
}

// PushDevice receives frames from an external producer, such as a browser
// posting snapshots. Only the newest pushed frame is kept.
type PushDevice struct {
	frames chan image.Image
}

func NewPushDevice() *PushDevice {
	return &PushDevice{frames: make(chan image.Image, 1)}
}

// Push offers a frame, replacing any frame not yet read.
func (d *PushDevice) Push(img image.Image) {
	for {
		select {
		case d.frames <- img:
			return
		default:
		}
		select {
		case <-d.frames:
		default:
		}
	}
}

func (d *PushDevice) Open(ctx context.Context, c Constraints) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &pushCapture{dev: d, track: newTrack("push", nil)}, nil
}

type pushCapture struct {
	dev   *PushDevice
	track *track
}

func (p *pushCapture) Tracks() []Track { return []Track{p.track} }

func (p *pushCapture) Read(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.track.stopped:
		return nil, ErrEnded
	case img := <-p.dev.frames:
		return img, nil
	}
}

// DirDevice replays the images of a directory in name order, looping, at
// the requested frame rate.
type DirDevice struct {
	Dir string
}

func (d DirDevice) Open(ctx context.Context, c Constraints) (Capture, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ml.IsImageFile(e.Name()) {
			files = append(files, filepath.Join(d.Dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrNoDevice, d.Dir)
	}
	sort.Strings(files)

	ticker := time.NewTicker(c.frameInterval())
	return &dirCapture{
		files:  files,
		ticker: ticker,
		track:  newTrack("dir", ticker.Stop),
	}, nil
}

type dirCapture struct {
	files  []string
	next   int
	ticker *time.Ticker
	track  *track
}

func (d *dirCapture) Tracks() []Track { return []Track{d.track} }

func (d *dirCapture) Read(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.track.stopped:
		return nil, ErrEnded
	case <-d.ticker.C:
	}
	path := d.files[d.next%len(d.files)]
	d.next++
	return ml.DecodeImageFile(path)
}

// HTTPDevice polls a snapshot URL (an IP camera's still-image endpoint) at
// the requested frame rate.
type HTTPDevice struct {
	URL    string
	Client *http.Client
}

func (d HTTPDevice) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (d HTTPDevice) Open(ctx context.Context, c Constraints) (Capture, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("%w: snapshot url not set", ErrNoDevice)
	}
	client := d.client()
	if _, err := fetchSnapshot(ctx, client, d.URL); err != nil {
		return nil, err
	}
	ticker := time.NewTicker(c.frameInterval())
	return &httpCapture{
		url:    d.URL,
		client: client,
		ticker: ticker,
		track:  newTrack("http", ticker.Stop),
	}, nil
}

type httpCapture struct {
	url    string
	client *http.Client
	ticker *time.Ticker
	track  *track
}

func (h *httpCapture) Tracks() []Track { return []Track{h.track} }

func (h *httpCapture) Read(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.track.stopped:
		return nil, ErrEnded
	case <-h.ticker.C:
	}
	return fetchSnapshot(ctx, h.client, h.url)
}

func fetchSnapshot(ctx context.Context, client *http.Client, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s returned %d", ErrPermissionDenied, url, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: %s returned %d", ErrNoDevice, url, resp.StatusCode)
	}
	return ml.DecodeImage(io.LimitReader(resp.Body, 16<<20))
}

// NewDevice builds the device named by kind: "push", "dir" or "http".
func NewDevice(kind, dir, url string) (Device, error) {
	switch kind {
	case "", "push":
		return NewPushDevice(), nil
	case "dir":
		return DirDevice{Dir: dir}, nil
	case "http":
		return HTTPDevice{URL: url}, nil
	default:
		return nil, fmt.Errorf("unknown camera device %q", kind)
	}
}
