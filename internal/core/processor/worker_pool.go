package processor

import (
	"context"
	"sync"
	"time"

	"facestream/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// DetectionPool runs face detection for sampled frames on a fixed set of
// worker goroutines. Results are delivered per job so the caller decides the
// order in which they are consumed.
type DetectionPool struct {
	detector    Detector
	jobs        chan *detectJob
	workerCount int
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

type detectJob struct {
	ctx      context.Context
	frame    models.Frame
	resultCh chan *detectResult // one result per job
}

type detectResult struct {
	Frame      models.Frame
	Detections []models.Detection
	Err        error
}

// NewDetectionPool starts workerCount workers (at least one).
func NewDetectionPool(detector Detector, workerCount int) *DetectionPool {
	if workerCount < 1 {
		workerCount = 1
	}

	log.WithFields(logFields).Infof("Initializing detection worker pool with %d workers", workerCount)

	pool := &DetectionPool{
		detector:    detector,
		jobs:        make(chan *detectJob, workerCount*2),
		workerCount: workerCount,
		shutdown:    make(chan struct{}),
	}

	pool.startWorkers()

	return pool
}

func (p *DetectionPool) startWorkers() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			log.WithFields(logFields).Debugf("Worker %d started", workerID)

			for {
				select {
				case job := <-p.jobs:
					startTime := time.Now()
					detections, err := p.detector.Detect(job.ctx, job.frame.Image)

					job.resultCh <- &detectResult{
						Frame:      job.frame,
						Detections: detections,
						Err:        err,
					}

					log.WithFields(logFields).Debugf("Worker %d detected %d faces in frame %d in %v",
						workerID, len(detections), job.frame.Index, time.Since(startTime))

				case <-p.shutdown:
					log.WithFields(logFields).Debugf("Worker %d received shutdown signal", workerID)
					return
				}
			}
		}(i)
	}
}

// Submit queues a frame for detection and returns the channel its result
// will arrive on.
func (p *DetectionPool) Submit(ctx context.Context, frame models.Frame) (<-chan *detectResult, error) {
	resultCh := make(chan *detectResult, 1)

	job := &detectJob{
		ctx:      ctx,
		frame:    frame,
		resultCh: resultCh,
	}

	select {
	case p.jobs <- job:
		return resultCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops the workers and waits for them to exit. Jobs still queued
// are abandoned.
func (p *DetectionPool) Shutdown() {
	close(p.shutdown)
	p.wg.Wait()
}
