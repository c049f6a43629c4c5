// Package imagedec decodes overlay and base frame images off the render
// path on a bounded pool of workers.
package imagedec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync/atomic"

	"github.com/remeh/sizedwaitgroup"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/normanking/cortexlipsync/internal/frames"
)

var (
	ErrEmpty  = errors.New("empty image payload")
	ErrClosed = errors.New("image decoder closed")
)

// Job is one encoded image to decode
type Job struct {
	Key   frames.ContentKey
	Chunk int
	Seq   int
	Data  []byte
	// Dest is the on-screen rectangle; a larger image is scaled down to it
	Dest image.Rectangle
}

// Result is a decoded job. Image is nil when Err is set.
type Result struct {
	Job
	Image  *frames.Image
	Format string
	Err    error
}

// Pool decodes images with at most a fixed number of concurrent workers
type Pool struct {
	swg     sizedwaitgroup.SizedWaitGroup
	maxSize image.Point
	logger  zerolog.Logger
	closed  atomic.Bool

	decoded atomic.Int64
	failed  atomic.Int64
}

// New creates a pool with the given worker count. Images larger than
// maxSize are scaled down to fit; a zero maxSize disables the cap.
func New(workers int, maxSize image.Point, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	return &Pool{
		swg:     sizedwaitgroup.New(workers),
		maxSize: maxSize,
		logger:  logger.With().Str("component", "imagedec").Logger(),
	}
}

// Submit decodes job on a worker and calls fn with the result. It blocks
// while every worker is busy, or until ctx is cancelled.
func (p *Pool) Submit(ctx context.Context, job Job, fn func(Result)) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.swg.AddWithContext(ctx); err != nil {
		return err
	}
	go func() {
		defer p.swg.Done()
		fn(p.decode(ctx, job))
	}()
	return nil
}

// Wait blocks until every submitted job has been delivered
func (p *Pool) Wait() {
	p.swg.Wait()
}

// Close rejects further jobs and waits for running ones
func (p *Pool) Close() {
	p.closed.Store(true)
	p.swg.Wait()
}

// Counts returns how many jobs decoded and failed
func (p *Pool) Counts() (decoded, failed int64) {
	return p.decoded.Load(), p.failed.Load()
}

func (p *Pool) decode(ctx context.Context, job Job) Result {
	_, span := tracer.Start(ctx, "image.decode", trace.WithAttributes(
		attribute.Int("image.chunk", job.Chunk),
		attribute.Int("image.seq", job.Seq),
		attribute.Int("image.bytes", len(job.Data)),
	))
	defer span.End()

	res := Result{Job: job}
	img, format, err := Decode(job.Data, job.Dest.Size(), p.maxSize)
	if err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Debug().Err(err).Int("chunk", job.Chunk).Int("seq", job.Seq).Msg("Image decode failed")
		res.Err = err
		return res
	}

	p.decoded.Add(1)
	b := img.Bounds()
	span.SetAttributes(
		attribute.String("image.format", format),
		attribute.Int("image.width", b.Dx()),
		attribute.Int("image.height", b.Dy()),
	)
	res.Image = frames.NewImage(img)
	res.Format = format
	return res
}

// Decode decodes a PNG, JPEG or WebP image. When fit or limit is non-zero
// and the image is larger, it is scaled down to the smaller bound keeping
// its aspect ratio.
func Decode(data []byte, fit, limit image.Point) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmpty
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	bound := fit
	if limit.X > 0 && (bound.X <= 0 || limit.X < bound.X) {
		bound.X = limit.X
	}
	if limit.Y > 0 && (bound.Y <= 0 || limit.Y < bound.Y) {
		bound.Y = limit.Y
	}
	return Downscale(img, bound), format, nil
}

// Downscale returns img scaled to fit within bound. Images already inside
// the bound are returned unchanged; a non-positive side is unbounded.
func Downscale(img image.Image, bound image.Point) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return img
	}

	scale := 1.0
	if bound.X > 0 && w > bound.X {
		scale = float64(bound.X) / float64(w)
	}
	if bound.Y > 0 && h > bound.Y {
		scale = min(scale, float64(bound.Y)/float64(h))
	}
	if scale >= 1 {
		return img
	}

	nw := max(1, int(float64(w)*scale+0.5))
	nh := max(1, int(float64(h)*scale+0.5))
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
