package opencv

import (
	"context"
	"fmt"
	"image"
	"io"
	"strconv"

	"facestream/internal/core/models"
	"facestream/internal/core/processor"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	gocv "gocv.io/x/gocv"
)

// VideoOpener opens files, URLs and device indexes with OpenCV.
type VideoOpener struct{}

// Open opens source. A purely numeric source is treated as a device index.
func (VideoOpener) Open(ctx context.Context, source string) (processor.FrameSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var device interface{} = source
	if id, err := strconv.Atoi(source); err == nil {
		device = id
	}

	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrSourceUnavailable, source, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: %s could not be opened", models.ErrSourceUnavailable, source)
	}

	log.WithFields(logFields).Debugf("Opened video source %s", source)
	return &videoSource{capture: capture, mat: gocv.NewMat()}, nil
}

type videoSource struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// Read decodes the next frame into a fresh image.
func (s *videoSource) Read() (image.Image, error) {
	if ok := s.capture.Read(&s.mat); !ok {
		return nil, io.EOF
	}
	if s.mat.Empty() {
		return nil, fmt.Errorf("%w: empty frame", models.ErrDecodeFailure)
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecodeFailure, err)
	}
	return img, nil
}

func (s *videoSource) Close() error {
	return multierr.Combine(s.mat.Close(), s.capture.Close())
}

// Probe verifies that the artifact at path yields at least one frame.
type Probe struct{}

// Probe opens path and decodes its first frame.
func (Probe) Probe(path string) error {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer capture.Close()

	if !capture.IsOpened() {
		return fmt.Errorf("%s could not be opened", path)
	}

	mat := gocv.NewMat()
	defer mat.Close()
	if ok := capture.Read(&mat); !ok || mat.Empty() {
		return fmt.Errorf("%w: no frame in %s", models.ErrDecodeFailure, path)
	}
	return nil
}

func boxFromRect(r image.Rectangle) models.BoundingBox {
	return models.BoundingBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}
