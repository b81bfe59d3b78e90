package pipeline

import "image"

// Surface is the render target. Resize discards previous content.
type Surface struct {
	img *image.RGBA
}

func NewSurface() *Surface {
	return &Surface{img: image.NewRGBA(image.Rect(0, 0, 1, 1))}
}

func (s *Surface) Resize(width, height int) {
	s.img = image.NewRGBA(image.Rect(0, 0, max(1, width), max(1, height)))
}

// Clear sets every pixel to transparent black.
func (s *Surface) Clear() {
	clear(s.img.Pix)
}

func (s *Surface) Image() *image.RGBA {
	return s.img
}

func (s *Surface) Size() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}
