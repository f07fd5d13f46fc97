package env

import (
	"fmt"
	"image"
	"image/color/palette"
	"image/gif"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// VideoRecorder records clips of the first environment of a VecEnv.
// When Trigger fires for the current global step it captures CaptureLength
// frames (one per step) and writes them as an animated GIF under its directory.
//
// The caller drives it: NotifyStep once per vectorized step, after stepping.
type VideoRecorder struct {
	vec *VecEnv
	dir string

	// Trigger decides on which global steps a new clip starts.
	Trigger func(step int) bool

	// CaptureLength is the number of frames per clip.
	CaptureLength int

	// FrameDelay between GIF frames, in 100ths of a second.
	FrameDelay int

	recording bool
	frames    []*image.Paletted
	clipStart int
	numClips  int
}

// NewVideoRecorder creates a recorder writing clips into dir.
func NewVideoRecorder(vec *VecEnv, dir string) *VideoRecorder {
	return &VideoRecorder{
		vec:           vec,
		dir:           dir,
		CaptureLength: 200,
		FrameDelay:    5,
	}
}

// NotifyStep captures a frame if a clip is in progress, and starts a new clip
// when the trigger fires. step is the global environment step count.
func (r *VideoRecorder) NotifyStep(step int) {
	if !r.recording && r.Trigger != nil && r.Trigger(step) {
		r.recording = true
		r.clipStart = step
		r.frames = r.frames[:0]
	}
	if !r.recording {
		return
	}
	r.frames = append(r.frames, toPaletted(r.vec.Env(0).Render()))
	if len(r.frames) >= r.CaptureLength {
		if err := r.flush(); err != nil {
			klog.Errorf("Failed to save video clip: %v", err)
		}
		r.recording = false
	}
}

// Finish writes any partially recorded clip.
func (r *VideoRecorder) Finish() {
	if r.recording && len(r.frames) > 0 {
		if err := r.flush(); err != nil {
			klog.Errorf("Failed to save final video clip: %v", err)
		}
		r.recording = false
	}
}

func (r *VideoRecorder) flush() error {
	name := fmt.Sprintf("step-%09d.gif", r.clipStart)
	path := filepath.Join(r.dir, name)
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create video file %q", path)
	}
	anim := &gif.GIF{}
	for _, frame := range r.frames {
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, r.FrameDelay)
	}
	if err = gif.EncodeAll(file, anim); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "failed to encode video %q", path)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "failed to close video %q", path)
	}
	r.numClips++
	klog.V(1).Infof("Saved video clip %s (%d frames)", path, len(r.frames))
	return nil
}

// NumClips written so far.
func (r *VideoRecorder) NumClips() int { return r.numClips }

// toPaletted converts a frame to the paletted form GIF requires.
func toPaletted(img image.Image) *image.Paletted {
	bounds := img.Bounds()
	paletted := image.NewPaletted(bounds, palette.WebSafe)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			paletted.Set(x, y, img.At(x, y))
		}
	}
	return paletted
}
