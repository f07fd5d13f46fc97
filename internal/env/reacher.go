package env

import (
	"fmt"
	"image"
	"image/color"
	"math/rand"

	"github.com/probcircuits/cspnsac/internal/parameters"

	"github.com/chewxy/math32"
)

func init() {
	Register("reacher", newReacherFromParams)
}

// Reacher is a planar arm with N torque-controlled joints that must bring its
// fingertip to a random target. With more than one joint it gives the policy a
// multi-dimensional action space.
//
// Observation is [cos θᵢ..., sin θᵢ..., dθᵢ/dt..., targetX, targetY, tipX, tipY].
type Reacher struct {
	rng       *rand.Rand
	numJoints int
	theta     []float32
	thetaDot  []float32
	target    [2]float32
	step      int

	dt        float32
	maxSpeed  float32
	linkLen   float32
	maxSteps  int

	obsSpace, actSpace Box
}

func newReacherFromParams(params parameters.Params) (Env, error) {
	r := &Reacher{
		numJoints: 2,
		dt:        0.05,
		maxSpeed:  10.0,
		maxSteps:  150,
	}
	var err error
	if r.numJoints, err = parameters.PopParamOr(params, "arms", r.numJoints); err != nil {
		return nil, err
	}
	if r.maxSteps, err = parameters.PopParamOr(params, "max_steps", r.maxSteps); err != nil {
		return nil, err
	}
	if r.numJoints < 1 {
		return nil, fmt.Errorf("reacher needs at least 1 joint, got arms=%d", r.numJoints)
	}
	r.linkLen = 1 / float32(r.numJoints)
	r.theta = make([]float32, r.numJoints)
	r.thetaDot = make([]float32, r.numJoints)

	obsDims := 3*r.numJoints + 4
	r.obsSpace = NewBox(-math32.MaxFloat32, math32.MaxFloat32, obsDims)
	copyBounds := func(lo, hi float32, from, to int) {
		for ii := from; ii < to; ii++ {
			r.obsSpace.Low[ii] = lo
			r.obsSpace.High[ii] = hi
		}
	}
	copyBounds(-1, 1, 0, 2*r.numJoints)                         // cos/sin
	copyBounds(-r.maxSpeed, r.maxSpeed, 2*r.numJoints, 3*r.numJoints) // velocities
	copyBounds(-1, 1, 3*r.numJoints, obsDims)                   // positions
	r.actSpace = NewBox(-1, 1, r.numJoints)
	return r, nil
}

func (r *Reacher) Name() string { return "reacher" }

func (r *Reacher) ObservationSpace() Box { return r.obsSpace }
func (r *Reacher) ActionSpace() Box      { return r.actSpace }

func (r *Reacher) Reset(seed int64) []float32 {
	r.rng = rand.New(rand.NewSource(seed))
	for ii := range r.theta {
		r.theta[ii] = (r.rng.Float32()*2 - 1) * math32.Pi
		r.thetaDot[ii] = 0
	}
	// Target anywhere reachable.
	radius := r.rng.Float32() * 0.9
	angle := (r.rng.Float32()*2 - 1) * math32.Pi
	r.target[0] = radius * math32.Cos(angle)
	r.target[1] = radius * math32.Sin(angle)
	r.step = 0
	return r.observation()
}

func (r *Reacher) Step(action []float32) (obs []float32, reward float32, done bool) {
	var controlCost float32
	for ii := range r.theta {
		torque := action[ii]
		if torque < -1 {
			torque = -1
		} else if torque > 1 {
			torque = 1
		}
		controlCost += torque * torque
		r.thetaDot[ii] += torque * 10 * r.dt
		if r.thetaDot[ii] > r.maxSpeed {
			r.thetaDot[ii] = r.maxSpeed
		} else if r.thetaDot[ii] < -r.maxSpeed {
			r.thetaDot[ii] = -r.maxSpeed
		}
		r.theta[ii] += r.thetaDot[ii] * r.dt
	}

	tipX, tipY := r.fingertip()
	dx, dy := tipX-r.target[0], tipY-r.target[1]
	dist := math32.Sqrt(dx*dx + dy*dy)
	reward = -dist - 0.1*controlCost

	r.step++
	done = r.step >= r.maxSteps
	return r.observation(), reward, done
}

// fingertip position from forward kinematics: joint angles accumulate.
func (r *Reacher) fingertip() (x, y float32) {
	var angle float32
	for ii := range r.theta {
		angle += r.theta[ii]
		x += r.linkLen * math32.Cos(angle)
		y += r.linkLen * math32.Sin(angle)
	}
	return
}

func (r *Reacher) observation() []float32 {
	obs := make([]float32, 0, 3*r.numJoints+4)
	for ii := range r.theta {
		obs = append(obs, math32.Cos(r.theta[ii]))
	}
	for ii := range r.theta {
		obs = append(obs, math32.Sin(r.theta[ii]))
	}
	obs = append(obs, r.thetaDot...)
	tipX, tipY := r.fingertip()
	obs = append(obs, r.target[0], r.target[1], tipX, tipY)
	return obs
}

func (r *Reacher) Render() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, renderSize, renderSize))
	fillBackground(img)
	scale := float32(renderSize) * 0.45
	toPixel := func(x, y float32) (int, int) {
		return renderSize/2 + int(x*scale), renderSize/2 - int(y*scale)
	}

	// Arm segments.
	var angle, x, y float32
	px, py := toPixel(0, 0)
	for ii := range r.theta {
		angle += r.theta[ii]
		x += r.linkLen * math32.Cos(angle)
		y += r.linkLen * math32.Sin(angle)
		nx, ny := toPixel(x, y)
		drawLine(img, px, py, nx, ny, color.RGBA{R: 60, G: 60, B: 200, A: 255})
		px, py = nx, ny
	}

	// Target cross.
	tx, ty := toPixel(r.target[0], r.target[1])
	drawLine(img, tx-3, ty, tx+3, ty, color.RGBA{R: 40, G: 160, B: 40, A: 255})
	drawLine(img, tx, ty-3, tx, ty+3, color.RGBA{R: 40, G: 160, B: 40, A: 255})
	return img
}

func (r *Reacher) Close() {}
