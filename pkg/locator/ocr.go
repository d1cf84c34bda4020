package locator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
	"github.com/devicelab-dev/fleet-runner/pkg/vision"
)

// ocrThreshold is the binarization level applied before recognition.
const ocrThreshold = 150

// TextBox is one recognized word.
type TextBox struct {
	Text       string      `json:"text"`
	Bounds     core.Bounds `json:"bounds"`
	Confidence float64     `json:"confidence"`
}

// TextRecognizer is an OCR backend.
type TextRecognizer interface {
	// Available reports whether the backend can run on this host.
	Available() bool
	// Recognize returns the words found in img, in img coordinates.
	Recognize(ctx context.Context, img image.Image) ([]TextBox, error)
}

// ReadText crops region from frame, binarizes it and runs OCR. An empty
// region means the whole frame. Boxes are returned in frame coordinates.
// Without a usable recognizer, or when recognition fails, it returns no
// text and no error.
func (l *Locator) ReadText(ctx context.Context, frame image.Image, region image.Rectangle) ([]TextBox, error) {
	if frame == nil || frame.Bounds().Empty() {
		return nil, core.ErrInvalidInput.WithMessage("frame is empty")
	}
	if l.ocr == nil || !l.ocr.Available() {
		return nil, nil
	}
	if region.Empty() {
		region = frame.Bounds()
	}
	crop := vision.Crop(frame, region)
	if crop.Bounds().Empty() {
		return nil, nil
	}

	boxes, err := l.ocr.Recognize(ctx, vision.Binarize(crop, ocrThreshold, true))
	if err != nil {
		logger.Warn("Text recognition failed: %v", err)
		return nil, nil
	}
	origin := crop.Bounds().Min
	for i := range boxes {
		boxes[i].Bounds.X += origin.X
		boxes[i].Bounds.Y += origin.Y
	}
	return boxes, nil
}

// Tesseract runs the tesseract CLI and parses its TSV output.
type Tesseract struct {
	path string
	lang string

	once     sync.Once
	resolved string
}

// NewTesseract creates a recognizer. An empty path searches PATH.
func NewTesseract(path, lang string) *Tesseract {
	if lang == "" {
		lang = "eng"
	}
	return &Tesseract{path: path, lang: lang}
}

func (t *Tesseract) binary() string {
	t.once.Do(func() {
		name := t.path
		if name == "" {
			name = "tesseract"
		}
		if p, err := exec.LookPath(name); err == nil {
			t.resolved = p
		} else {
			logger.Info("tesseract not found (%v), text recognition disabled", err)
		}
	})
	return t.resolved
}

// Available reports whether the tesseract binary was found.
func (t *Tesseract) Available() bool {
	return t.binary() != ""
}

// Recognize implements TextRecognizer.
func (t *Tesseract) Recognize(ctx context.Context, img image.Image) ([]TextBox, error) {
	bin := t.binary()
	if bin == "" {
		return nil, fmt.Errorf("tesseract not available")
	}

	var in bytes.Buffer
	if err := png.Encode(&in, img); err != nil {
		return nil, fmt.Errorf("encode ocr input: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin, "stdin", "stdout", "-l", t.lang, "--psm", "6", "tsv") //#nosec G204 -- fixed arguments
	cmd.Stdin = &in
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseTSV(stdout.Bytes()), nil
}

// parseTSV extracts word rows (level 5) with non-empty text.
func parseTSV(data []byte) []TextBox {
	var boxes []TextBox
	sc := bufio.NewScanner(bytes.NewReader(data))
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		cols := strings.Split(sc.Text(), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}
		nums := make([]int, 4)
		ok := true
		for i := range nums {
			v, err := strconv.Atoi(cols[6+i])
			if err != nil {
				ok = false
				break
			}
			nums[i] = v
		}
		if !ok {
			continue
		}
		conf, _ := strconv.ParseFloat(cols[10], 64)
		boxes = append(boxes, TextBox{
			Text:       text,
			Bounds:     core.Bounds{X: nums[0], Y: nums[1], Width: nums[2], Height: nums[3]},
			Confidence: conf,
		})
	}
	return boxes
}
