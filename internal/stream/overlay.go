// Package stream renders annotated frames and serves them to viewers
// over MJPEG and WebSocket.
package stream

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"trafficcount/internal/counting"
	"trafficcount/internal/pipeline"
)

var (
	zoneColor    = color.RGBA{255, 0, 0, 255}
	countedColor = color.RGBA{0, 255, 0, 255}
	unknownColor = color.RGBA{255, 255, 255, 255}
)

// DefaultCategoryColors matches the dashboard palette
func DefaultCategoryColors() map[counting.Category]color.RGBA {
	return map[counting.Category]color.RGBA{
		counting.CategoryCar:        {0x34, 0x98, 0xdb, 255},
		counting.CategoryMotorcycle: {0x9b, 0x59, 0xb6, 255},
		counting.CategoryBus:        {0xe6, 0x7e, 0x22, 255},
		counting.CategoryTruck:      {0xe7, 0x4c, 0x3c, 255},
	}
}

// Overlay draws the counting zone and per-track annotations
type Overlay struct {
	Colors    map[counting.Category]color.RGBA
	ZoneAlpha uint8 // Band opacity, 0-255
}

// NewOverlay creates an overlay renderer with the default palette
func NewOverlay() *Overlay {
	return &Overlay{
		Colors:    DefaultCategoryColors(),
		ZoneAlpha: 38, // ~15%
	}
}

var _ pipeline.Renderer = (*Overlay)(nil)

// Render implements pipeline.Renderer. The source frame is never modified.
func (o *Overlay) Render(frame *pipeline.Frame, result counting.FrameResult) image.Image {
	bounds := frame.Image.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, frame.Image, bounds.Min, draw.Src)

	o.drawZone(rgba, result.Zone)

	for _, ann := range result.Annotations {
		c := o.colorFor(ann.Category)
		b := ann.Box
		drawBox(rgba, b.Left, b.Top, b.Right-b.Left, b.Bottom-b.Top, c, 2)
		fillCircle(rgba, ann.CentroidX, ann.CentroidY, 4, c)
		drawLabel(rgba, b.Left, b.Top-14, annotationLabel(ann), c)

		if ann.Counted {
			drawText(rgba, ann.CentroidX-40, ann.CentroidY-25, "COUNTED!", countedColor)
			drawCircle(rgba, ann.CentroidX, ann.CentroidY, 20, countedColor, 3)
		}
	}
	return rgba
}

func (o *Overlay) colorFor(cat counting.Category) color.RGBA {
	if c, ok := o.Colors[cat]; ok {
		return c
	}
	return unknownColor
}

// drawZone blends the band over the full frame width and draws its center line
func (o *Overlay) drawZone(img *image.RGBA, zone counting.CountingZone) {
	b := img.Bounds()
	band := image.Rect(b.Min.X, zone.Top(), b.Max.X, zone.Bottom()+1).Intersect(b)
	if !band.Empty() {
		draw.DrawMask(img, band, image.NewUniform(zoneColor), image.Point{},
			image.NewUniform(color.Alpha{A: o.ZoneAlpha}), image.Point{}, draw.Over)
	}

	line := image.Rect(b.Min.X, zone.Center-1, b.Max.X, zone.Center+2).Intersect(b)
	if !line.Empty() {
		draw.Draw(img, line, image.NewUniform(zoneColor), image.Point{}, draw.Src)
	}

	drawText(img, b.Min.X+10, zone.Top()-10, "COUNTING ZONE", zoneColor)
}

// annotationLabel formats "ID:<id> <abbrev> <conf>"
func annotationLabel(ann counting.Annotation) string {
	abbrev := string(ann.Category)
	if len(abbrev) > 3 {
		abbrev = abbrev[:3]
	}
	return fmt.Sprintf("ID:%d %s %.2f", ann.TrackID, abbrev, ann.Confidence)
}

// drawBox draws a rectangle outline clipped to the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			setClipped(img, bounds, i, y+t, c)
			setClipped(img, bounds, i, y+h-t, c)
		}
		for j := y; j < y+h; j++ {
			setClipped(img, bounds, x+t, j, c)
			setClipped(img, bounds, x+w-t, j, c)
		}
	}
}

// drawLabel draws text over a dark background strip
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	bg := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	strip := image.Rect(x-2, y-2, x+textWidth+2, y+12).Intersect(img.Bounds())
	if !strip.Empty() {
		draw.Draw(img, strip, image.NewUniform(bg), image.Point{}, draw.Over)
	}

	drawText(img, x, y, label, c)
}

// drawText draws basicfont text with its top-left corner at (x, y)
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(text)
}

func fillCircle(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	bounds := img.Bounds()
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				setClipped(img, bounds, cx+dx, cy+dy, c)
			}
		}
	}
}

// drawCircle draws a ring of the given thickness centred on radius r
func drawCircle(img *image.RGBA, cx, cy, r int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	inner := r - thickness/2
	outer := inner + thickness
	for dy := -outer; dy <= outer; dy++ {
		for dx := -outer; dx <= outer; dx++ {
			d2 := dx*dx + dy*dy
			if d2 >= inner*inner && d2 < outer*outer {
				setClipped(img, bounds, cx+dx, cy+dy, c)
			}
		}
	}
}

func setClipped(img *image.RGBA, bounds image.Rectangle, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(bounds) {
		img.SetRGBA(x, y, c)
	}
}
