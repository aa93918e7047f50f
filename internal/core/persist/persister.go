package persist

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"os"
	"path"
	"path/filepath"

	"facestream/internal/core/models"
	"facestream/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "persist",
}

const (
	DefaultMargin  = 30
	DefaultQuality = 75
)

// RemoteSink stores bytes under a key and returns a locator for them.
type RemoteSink interface {
	Store(ctx context.Context, data []byte, key string) (string, error)
}

// Options configures a Persister.
type Options struct {
	OutputDir string
	Margin    int
	Quality   int
	Prefix    string // key prefix inside the remote sink
}

// Result describes a stored crop. Locator is nil when a configured remote
// sink rejected the upload; UploadErr then carries the reason.
type Result struct {
	LocalPath string
	Key       string
	Locator   *string
	UploadErr error
}

// Persister crops accepted faces out of frames and stores them.
type Persister struct {
	opts      Options
	sink      RemoteSink
	writeFile func(name string, data []byte, perm os.FileMode) error
}

// New creates a Persister. sink may be nil.
func New(opts Options, sink RemoteSink) *Persister {
	if opts.Margin < 0 {
		opts.Margin = DefaultMargin
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	return &Persister{
		opts:      opts,
		sink:      sink,
		writeFile: os.WriteFile,
	}
}

// FileName returns the deterministic crop name for a face.
func FileName(faceID int64, timestamp string) string {
	return fmt.Sprintf("face_%d_%s.jpg", faceID, timezone.FileSafe(timestamp))
}

// CropRect expands box by margin pixels on every side, clamped to bounds.
func CropRect(box models.BoundingBox, margin int, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(box.X1-margin, box.Y1-margin, box.X2+margin, box.Y2+margin)
	return r.Intersect(bounds)
}

// Crop returns a copy of the expanded face region of frame.
func Crop(frame image.Image, box models.BoundingBox, margin int) (image.Image, error) {
	r := CropRect(box, margin, frame.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("%w: face box %v is outside frame %v", models.ErrPersistenceFailure, box.Rect(), frame.Bounds())
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), frame, r.Min, draw.Src)
	return dst, nil
}

// Encode compresses img as JPEG at the given quality.
func Encode(img image.Image, quality int) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: encode crop: %v", models.ErrPersistenceFailure, err)
	}
	return buf.Bytes(), nil
}

// Persist crops, encodes and writes one face. Crop, encode and write errors
// wrap models.ErrPersistenceFailure. Remote upload errors never fail the call.
func (p *Persister) Persist(ctx context.Context, frame image.Image, box models.BoundingBox, faceID int64, timestamp string) (Result, error) {
	crop, err := Crop(frame, box, p.opts.Margin)
	if err != nil {
		return Result{}, err
	}

	data, err := Encode(crop, p.opts.Quality)
	if err != nil {
		return Result{}, err
	}

	name := FileName(faceID, timestamp)
	localPath := filepath.Join(p.opts.OutputDir, name)
	if err := p.writeFile(localPath, data, 0644); err != nil {
		return Result{}, fmt.Errorf("%w: write %s: %v", models.ErrPersistenceFailure, localPath, err)
	}

	res := Result{
		LocalPath: localPath,
		Key:       p.Key(name),
	}

	if p.sink == nil {
		res.Locator = &res.LocalPath
		return res, nil
	}

	locator, err := p.sink.Store(ctx, data, res.Key)
	if err != nil {
		log.WithFields(logFields).WithError(err).Warnf("Remote upload of face %d failed, no locator", faceID)
		res.UploadErr = err
		return res, nil
	}
	res.Locator = &locator
	return res, nil
}

// Key returns the remote key for a crop file name.
func (p *Persister) Key(name string) string {
	if p.opts.Prefix == "" {
		return name
	}
	return path.Join(p.opts.Prefix, name)
}

// Upload sends an already written crop to the remote sink. It is used to
// retry uploads that failed during a run.
func (p *Persister) Upload(ctx context.Context, localPath, key string) (string, error) {
	if p.sink == nil {
		return "", fmt.Errorf("no remote sink configured")
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", localPath, err)
	}
	return p.sink.Store(ctx, data, key)
}
