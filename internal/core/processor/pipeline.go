package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"facestream/internal/core/dedup"
	"facestream/internal/core/models"
	"facestream/internal/core/persist"
	"facestream/internal/util/timezone"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

var logFields = log.Fields{
	"component": "processor",
}

const (
	EndReasonEndOfStream = "end_of_stream"
	EndReasonMaxFrames   = "max_frames"
	EndReasonCancelled   = "cancelled"
	EndReasonError       = "error"

	// maxConsecutiveDecodeFailures stops a run reading from a source that
	// no longer yields decodable frames.
	maxConsecutiveDecodeFailures = 25
)

// Detector finds faces in a frame. An empty slice means no faces.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]models.Detection, error)
}

// FrameSource yields decoded frames in capture order. Read returns io.EOF at
// the end of the stream and an error wrapping models.ErrDecodeFailure when a
// single frame could not be decoded.
type FrameSource interface {
	Read() (image.Image, error)
	Close() error
}

// SourceOpener opens a capture source (file path, URL or device).
type SourceOpener interface {
	Open(ctx context.Context, source string) (FrameSource, error)
}

// FacePersister stores the crop of an accepted face.
type FacePersister interface {
	Persist(ctx context.Context, frame image.Image, box models.BoundingBox, faceID int64, timestamp string) (persist.Result, error)
}

// Recorder keeps the face log. Recorder errors are logged and never fail a run.
type Recorder interface {
	SaveRun(ctx context.Context, run *models.CaptureRun) error
	SaveFace(ctx context.Context, entry *models.FaceEntry) error
	EnqueueUpload(ctx context.Context, upload *models.PendingUpload) error
}

// Options configures a Pipeline.
type Options struct {
	FrameSkip        int // only every FrameSkip-th frame is sent to detection
	MaxFrames        int // default frame budget of a run, <= 0 means until end of stream
	Workers          int // detection workers, 1 runs detection inline
	DetectorName     string
	MaxUploadRetries int
	Progress         func(frameIndex int) // called after every frame read
}

// Pipeline samples frames from a source, detects faces, drops duplicates and
// persists new faces. The embedding history and the face id counter belong
// to one Pipeline and survive across runs; runs on one Pipeline are
// serialized.
type Pipeline struct {
	opener    SourceOpener
	detector  Detector
	dedup     *dedup.Deduplicator
	persister FacePersister
	recorder  Recorder
	opts      Options

	runMu sync.Mutex

	mu         sync.Mutex
	lastFaceID int64
	lastRun    models.CaptureRun
}

// New creates a Pipeline.
func New(opener SourceOpener, detector Detector, deduplicator *dedup.Deduplicator, persister FacePersister, opts Options) *Pipeline {
	if opts.FrameSkip < 1 {
		opts.FrameSkip = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Pipeline{
		opener:    opener,
		detector:  detector,
		dedup:     deduplicator,
		persister: persister,
		opts:      opts,
	}
}

// SetRecorder attaches a face log. Passing nil disables it.
func (p *Pipeline) SetRecorder(recorder Recorder) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	p.recorder = recorder
}

// Run processes up to maxFrames frames of source (the configured budget when
// maxFrames <= 0) and returns the accepted faces in capture order. When ctx
// is cancelled the faces accumulated so far are returned together with an
// error wrapping models.ErrCancellationRequested.
func (p *Pipeline) Run(ctx context.Context, source string, maxFrames int) ([]models.FaceRecord, error) {
	records := []models.FaceRecord{}
	err := p.run(ctx, source, maxFrames, func(record models.FaceRecord) error {
		records = append(records, record)
		return nil
	})
	return records, err
}

// Stream is Run with the faces delivered on a channel as they are accepted.
// The record channel is closed when the run ends, after which the error
// channel yields the run's error (nil on success). The caller must drain the
// record channel until it is closed or cancel ctx; a cancelled run stops
// sending, releases the source and reports the cancellation on the error
// channel.
func (p *Pipeline) Stream(ctx context.Context, source string, maxFrames int) (<-chan models.FaceRecord, <-chan error) {
	out := make(chan models.FaceRecord, 16)
	errCh := make(chan error, 1)

	go func() {
		err := p.run(ctx, source, maxFrames, func(record models.FaceRecord) error {
			select {
			case out <- record:
				return nil
			case <-ctx.Done():
				return cancelled(ctx)
			}
		})
		close(out)
		errCh <- err
		close(errCh)
	}()

	return out, errCh
}

// LastRun returns the summary of the most recent run.
func (p *Pipeline) LastRun() models.CaptureRun {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

// LastFaceID returns the highest face id assigned so far, 0 before the first face.
func (p *Pipeline) LastFaceID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFaceID
}

func (p *Pipeline) run(ctx context.Context, source string, maxFrames int, emit func(models.FaceRecord) error) (err error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if maxFrames <= 0 {
		maxFrames = p.opts.MaxFrames
	}

	run := &models.CaptureRun{
		RunID:     uuid.NewString(),
		Source:    source,
		StartedAt: timezone.Now(),
	}
	fields := log.Fields{"component": "processor", "run_id": run.RunID}

	defer func() {
		run.FinishedAt = timezone.Now()
		switch {
		case err == nil:
		case errors.Is(err, models.ErrCancellationRequested):
			run.EndReason = EndReasonCancelled
		default:
			run.EndReason = EndReasonError
		}
		p.mu.Lock()
		p.lastRun = *run
		p.mu.Unlock()

		log.WithFields(fields).Infof("Run finished (%s): %d frames read, %d sampled, %d faces, %d duplicates, %d persistence failures",
			run.EndReason, run.FramesRead, run.FramesSampled, run.FacesAccepted, run.Duplicates, run.PersistFailures)

		if p.recorder != nil {
			if rerr := p.recorder.SaveRun(context.WithoutCancel(ctx), run); rerr != nil {
				log.WithFields(fields).WithError(rerr).Warn("Failed to record capture run")
			}
		}
	}()

	if ctx.Err() != nil {
		return cancelled(ctx)
	}

	src, err := p.opener.Open(ctx, source)
	if err != nil {
		if errors.Is(err, models.ErrSourceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: open %s: %v", models.ErrSourceUnavailable, source, err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			log.WithFields(fields).WithError(cerr).Warn("Failed to close frame source")
		}
	}()

	log.WithFields(fields).Infof("Processing %s (max frames %d, frame skip %d)", source, maxFrames, p.opts.FrameSkip)

	var pool *DetectionPool
	if p.opts.Workers > 1 {
		pool = NewDetectionPool(p.detector, p.opts.Workers)
		defer pool.Shutdown()
	}
	var pending []<-chan *detectResult

	// Results are consumed oldest first, so dedup and persistence see frames
	// in capture order whatever order the workers finish in.
	drainOne := func() error {
		next := pending[0]
		pending = pending[1:]
		select {
		case res := <-next:
			return p.handle(ctx, run, res, emit)
		case <-ctx.Done():
			return cancelled(ctx)
		}
	}

	decodeFailures := 0
	run.EndReason = EndReasonEndOfStream
	for index := 0; ; index++ {
		if maxFrames > 0 && index >= maxFrames {
			run.EndReason = EndReasonMaxFrames
			break
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}

		img, err := src.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		run.FramesRead++
		if p.opts.Progress != nil {
			p.opts.Progress(index)
		}
		if err != nil {
			if !errors.Is(err, models.ErrDecodeFailure) {
				return fmt.Errorf("read frame %d: %w", index, err)
			}
			run.DecodeFailures++
			decodeFailures++
			if decodeFailures >= maxConsecutiveDecodeFailures {
				return fmt.Errorf("%d consecutive frames failed to decode: %w", decodeFailures, err)
			}
			log.WithFields(fields).WithError(err).Warnf("Skipping frame %d", index)
			continue
		}
		decodeFailures = 0

		if index%p.opts.FrameSkip != 0 {
			continue
		}
		run.FramesSampled++
		frame := models.Frame{Index: index, Image: img}

		if pool == nil {
			detections, derr := p.detector.Detect(ctx, img)
			if err := p.handle(ctx, run, &detectResult{Frame: frame, Detections: detections, Err: derr}, emit); err != nil {
				return err
			}
			continue
		}

		resultCh, err := pool.Submit(ctx, frame)
		if err != nil {
			return cancelled(ctx)
		}
		pending = append(pending, resultCh)
		if len(pending) >= p.opts.Workers {
			if err := drainOne(); err != nil {
				return err
			}
		}
	}

	for len(pending) > 0 {
		if err := drainOne(); err != nil {
			return err
		}
	}
	return nil
}

// handle runs dedup and persistence for the detections of one frame.
func (p *Pipeline) handle(ctx context.Context, run *models.CaptureRun, res *detectResult, emit func(models.FaceRecord) error) error {
	if res.Err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		return fmt.Errorf("detect faces in frame %d: %w", res.Frame.Index, res.Err)
	}

	for i, detection := range res.Detections {
		switch p.dedup.Admit(detection.Embedding) {
		case dedup.Skipped:
			log.WithFields(logFields).Debugf("Frame %d face %d has no embedding, skipping", res.Frame.Index, i)
			continue
		case dedup.Duplicate:
			run.Duplicates++
			continue
		}

		record, ok := p.persistFace(ctx, run, res.Frame, detection)
		if !ok {
			run.PersistFailures++
			continue
		}
		run.FacesAccepted++
		if err := emit(record); err != nil {
			return err
		}
	}
	return nil
}

// persistFace stores one accepted face. The next face id is only consumed
// when the crop was stored, so the ids of returned records have no gaps.
func (p *Pipeline) persistFace(ctx context.Context, run *models.CaptureRun, frame models.Frame, detection models.Detection) (models.FaceRecord, bool) {
	p.mu.Lock()
	faceID := p.lastFaceID + 1
	p.mu.Unlock()

	capturedAt := timezone.Now()
	timestamp := timezone.ISO8601(capturedAt)

	result, err := p.persister.Persist(ctx, frame.Image, detection.BoundingBox, faceID, timestamp)
	if err != nil {
		log.WithFields(logFields).WithError(err).Warnf("Dropping face in frame %d", frame.Index)
		return models.FaceRecord{}, false
	}

	p.mu.Lock()
	p.lastFaceID = faceID
	p.mu.Unlock()

	record := models.FaceRecord{
		FaceID:    faceID,
		Locator:   result.Locator,
		Timestamp: timestamp,
	}
	p.recordFace(ctx, run, frame, detection, result, record, capturedAt)
	return record, true
}

func (p *Pipeline) recordFace(ctx context.Context, run *models.CaptureRun, frame models.Frame, detection models.Detection,
	result persist.Result, record models.FaceRecord, capturedAt time.Time) {
	if p.recorder == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	bbox, err := json.Marshal(detection.BoundingBox)
	if err != nil {
		log.WithFields(logFields).WithError(err).Warn("Failed to marshal bounding box")
	}

	entry := &models.FaceEntry{
		RunID:       run.RunID,
		FaceID:      record.FaceID,
		LocalPath:   result.LocalPath,
		Timestamp:   record.Timestamp,
		CapturedAt:  capturedAt,
		FrameIndex:  frame.Index,
		BoundingBox: datatypes.JSON(bbox),
		Confidence:  detection.Confidence,
		Detector:    p.opts.DetectorName,
	}
	if record.Locator != nil {
		entry.Locator = *record.Locator
	}
	if err := p.recorder.SaveFace(ctx, entry); err != nil {
		log.WithFields(logFields).WithError(err).Warnf("Failed to record face %d", record.FaceID)
	}

	if result.UploadErr == nil {
		return
	}
	upload := &models.PendingUpload{
		LocalPath:   result.LocalPath,
		Key:         result.Key,
		RunID:       run.RunID,
		FaceID:      record.FaceID,
		CreatedAt:   capturedAt,
		LastAttempt: capturedAt,
		Retries:     1,
		MaxRetries:  p.opts.MaxUploadRetries,
		LastError:   result.UploadErr.Error(),
		Status:      models.UploadStatusPending,
	}
	if err := p.recorder.EnqueueUpload(ctx, upload); err != nil {
		log.WithFields(logFields).WithError(err).Warnf("Failed to queue upload retry for face %d", record.FaceID)
	}
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %v", models.ErrCancellationRequested, context.Cause(ctx))
}
