// Package surface shows composed frames in an ebiten window. The window
// pulls frames from the render driver on every ebiten update.
package surface

import (
	"image"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlipsync/internal/frames"
)

// textureSlots bounds the GPU images kept for recently shown frames
const textureSlots = 256

// Stepper produces the next frame. *render.Driver satisfies it.
type Stepper interface {
	Step() frames.ComposedFrame
}

// Window is an ebiten.Game that draws the avatar
type Window struct {
	driver   Stepper
	interval func() time.Duration
	width    int
	height   int
	logger   zerolog.Logger

	textures *simplelru.LRU[*frames.Image, *ebiten.Image]
	frame    frames.ComposedFrame
	tps      int
}

// New creates a window of the given logical size. interval reports the
// current frame interval; the update rate follows it.
func New(driver Stepper, interval func() time.Duration, width, height int, logger zerolog.Logger) *Window {
	textures, _ := simplelru.NewLRU[*frames.Image, *ebiten.Image](textureSlots, func(_ *frames.Image, img *ebiten.Image) {
		img.Deallocate()
	})
	return &Window{
		driver:   driver,
		interval: interval,
		width:    width,
		height:   height,
		logger:   logger.With().Str("component", "surface").Logger(),
		textures: textures,
	}
}

// Run opens the window and blocks until it is closed
func (w *Window) Run(title string) error {
	ebiten.SetWindowSize(w.width, w.height)
	ebiten.SetWindowTitle(title)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	w.logger.Info().Int("width", w.width).Int("height", w.height).Msg("Opening window")
	return ebiten.RunGame(w)
}

func (w *Window) Update() error {
	w.frame = w.driver.Step()
	if tps := tpsFor(w.interval()); tps != w.tps {
		w.tps = tps
		ebiten.SetTPS(tps)
	}
	return nil
}

func (w *Window) Draw(screen *ebiten.Image) {
	f := w.frame
	bounds := screen.Bounds()

	if f.Base != nil {
		if tex := w.texture(f.Base); tex != nil {
			op := &ebiten.DrawImageOptions{}
			applyPlacement(&op.GeoM, tex.Bounds().Size(), bounds)
			op.Filter = ebiten.FilterLinear
			screen.DrawImage(tex, op)
		}
	}

	for _, ov := range f.Overlays {
		tex := w.texture(ov.Image)
		if tex == nil || ov.Alpha <= 0 {
			continue
		}
		dest := ov.Dest
		if dest.Empty() {
			dest = image.Rectangle{Max: tex.Bounds().Size()}
		}
		op := &ebiten.DrawImageOptions{}
		applyPlacement(&op.GeoM, tex.Bounds().Size(), dest)
		op.ColorScale.ScaleAlpha(float32(ov.Alpha))
		op.Filter = ebiten.FilterLinear
		screen.DrawImage(tex, op)
	}
}

func (w *Window) Layout(outsideWidth, outsideHeight int) (int, int) {
	return w.width, w.height
}

func (w *Window) texture(img *frames.Image) *ebiten.Image {
	if img == nil || img.Pixels == nil {
		return nil
	}
	if tex, ok := w.textures.Get(img); ok {
		return tex
	}
	tex := ebiten.NewImageFromImage(img.Pixels)
	w.textures.Add(img, tex)
	return tex
}

// placement maps an image of size src onto dst
type placement struct {
	sx, sy float64
	tx, ty float64
}

func placeRect(src image.Point, dst image.Rectangle) placement {
	p := placement{sx: 1, sy: 1, tx: float64(dst.Min.X), ty: float64(dst.Min.Y)}
	if src.X > 0 && src.Y > 0 {
		p.sx = float64(dst.Dx()) / float64(src.X)
		p.sy = float64(dst.Dy()) / float64(src.Y)
	}
	return p
}

func applyPlacement(g *ebiten.GeoM, src image.Point, dst image.Rectangle) {
	p := placeRect(src, dst)
	g.Scale(p.sx, p.sy)
	g.Translate(p.tx, p.ty)
}

// tpsFor converts a frame interval into an ebiten update rate
func tpsFor(interval time.Duration) int {
	if interval <= 0 {
		return ebiten.DefaultTPS
	}
	tps := int((time.Second + interval/2) / interval)
	return max(1, min(tps, 240))
}
