package opencv

import (
	"context"
	"fmt"
	"image"
	"sync"

	"facestream/internal/integrations/facerecognition"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

var logFields = log.Fields{
	"component": "opencv",
}

// LocatorConfig configures the Haar cascade face locator.
type LocatorConfig struct {
	CascadeFile string
	MinFaceSize int
}

// Service locates faces with a Haar cascade. The classifier is not safe for
// concurrent use, so detections are serialized.
type Service struct {
	cfg         LocatorConfig
	cascade     gocv.CascadeClassifier
	mutex       sync.Mutex
	initialized bool
}

// NewService loads the cascade file.
func NewService(cfg LocatorConfig) (*Service, error) {
	if cfg.MinFaceSize <= 0 {
		cfg.MinFaceSize = 40
	}

	service := &Service{cfg: cfg}
	if err := service.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize OpenCV face locator: %w", err)
	}
	return service, nil
}

func (s *Service) initialize() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.initialized {
		return nil
	}

	s.cascade = gocv.NewCascadeClassifier()
	if !s.cascade.Load(s.cfg.CascadeFile) {
		s.cascade.Close()
		return fmt.Errorf("could not load cascade classifier from %s", s.cfg.CascadeFile)
	}

	log.WithFields(logFields).Infof("Loaded face cascade %s", s.cfg.CascadeFile)
	s.initialized = true
	return nil
}

// Locate returns the face boxes found in frame.
func (s *Service) Locate(ctx context.Context, frame image.Image) ([]facerecognition.LocatedFace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	equalized := gocv.NewMat()
	defer equalized.Close()
	gocv.EqualizeHist(gray, &equalized)

	s.mutex.Lock()
	if !s.initialized {
		s.mutex.Unlock()
		return nil, fmt.Errorf("face locator is closed")
	}
	rects := s.cascade.DetectMultiScaleWithParams(
		equalized,
		1.1,
		4,
		0,
		image.Pt(s.cfg.MinFaceSize, s.cfg.MinFaceSize),
		image.Pt(0, 0),
	)
	s.mutex.Unlock()

	offset := frame.Bounds().Min
	faces := make([]facerecognition.LocatedFace, 0, len(rects))
	for _, r := range rects {
		r = r.Add(offset)
		faces = append(faces, facerecognition.LocatedFace{
			BoundingBox: boxFromRect(r),
			Confidence:  1,
		})
	}

	log.WithFields(logFields).Debugf("Cascade found %d faces", len(faces))
	return faces, nil
}

// Close releases the classifier.
func (s *Service) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.initialized {
		if err := s.cascade.Close(); err != nil {
			return err
		}
		s.initialized = false
	}
	return nil
}
