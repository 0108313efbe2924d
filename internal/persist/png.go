package persist

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/pv/traffic-demo-go/internal/frames"
)

// FileWriter сохраняет кадры PNG-файлами, создавая каталоги по мере нужды.
type FileWriter struct{}

func (FileWriter) Write(t Task) error {
	if err := os.MkdirAll(filepath.Dir(t.Path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(t.Path), err)
	}
	f, err := os.Create(t.Path)
	if err != nil {
		return err
	}
	if err := EncodePNG(f, t.Frame); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodePNG кодирует сырой BGRA-буфер кадра в PNG.
func EncodePNG(w io.Writer, f frames.Frame) error {
	if len(f.Pixels) < f.Width*f.Height*4 {
		return fmt.Errorf("persist: frame %06d (%s): pixel buffer too short", f.Seq, f.Stream)
	}
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		srcRow := y * f.Width * 4
		dstRow := y * img.Stride
		for x := 0; x < f.Width; x++ {
			s := srcRow + x*4
			d := dstRow + x*4
			// BGRA -> RGBA
			img.Pix[d] = f.Pixels[s+2]
			img.Pix[d+1] = f.Pixels[s+1]
			img.Pix[d+2] = f.Pixels[s]
			img.Pix[d+3] = f.Pixels[s+3]
		}
	}
	return png.Encode(w, img)
}

// TaskPath строит путь вида <dir>/<seq с нулями>.png.
func TaskPath(dir string, seq int64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.png", seq))
}
