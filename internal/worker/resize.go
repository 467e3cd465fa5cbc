package worker

import (
	"bytes"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/moodmeter/internal/types"
)

// downscale shrinks a JPEG so its longest side is at most maxSide.
// It returns the bytes to send and the factor that maps worker coordinates back to the frame.
func downscale(data []byte, maxSide int) ([]byte, float64, error) {
	if maxSide <= 0 {
		return data, 1, nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	longest := max(cfg.Width, cfg.Height)
	if longest <= maxSide {
		return data, 1, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	small := imaging.Fit(img, maxSide, maxSide, imaging.Linear)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, small, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), float64(cfg.Width) / float64(small.Bounds().Dx()), nil
}

func scaleBox(b types.BBox, f float64) types.BBox {
	s := func(v int) int { return int(math.Round(float64(v) * f)) }
	return types.BBox{X: s(b.X), Y: s(b.Y), W: s(b.W), H: s(b.H)}
}
