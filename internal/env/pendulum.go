package env

import (
	"image"
	"image/color"
	"math/rand"

	"github.com/probcircuits/cspnsac/internal/parameters"

	"github.com/chewxy/math32"
)

func init() {
	Register("pendulum", newPendulumFromParams)
}

// Pendulum is the classic underactuated swing-up task: a single torque-controlled
// link that must be swung upright and balanced there.
//
// Observation is [cos θ, sin θ, dθ/dt], action is the torque in [-maxTorque, maxTorque].
type Pendulum struct {
	rng      *rand.Rand
	theta    float32
	thetaDot float32
	step     int

	gravity   float32
	maxSpeed  float32
	maxTorque float32
	dt        float32
	maxSteps  int

	obsSpace, actSpace Box
}

func newPendulumFromParams(params parameters.Params) (Env, error) {
	p := &Pendulum{
		gravity:   10.0,
		maxSpeed:  8.0,
		maxTorque: 2.0,
		dt:        0.05,
		maxSteps:  200,
	}
	var err error
	if p.gravity, err = parameters.PopParamOr(params, "gravity", p.gravity); err != nil {
		return nil, err
	}
	if p.maxSteps, err = parameters.PopParamOr(params, "max_steps", p.maxSteps); err != nil {
		return nil, err
	}
	p.obsSpace = Box{
		Low:  []float32{-1, -1, -p.maxSpeed},
		High: []float32{1, 1, p.maxSpeed},
	}
	p.actSpace = NewBox(-p.maxTorque, p.maxTorque, 1)
	return p, nil
}

func (p *Pendulum) Name() string { return "pendulum" }

func (p *Pendulum) ObservationSpace() Box { return p.obsSpace }
func (p *Pendulum) ActionSpace() Box      { return p.actSpace }

func (p *Pendulum) Reset(seed int64) []float32 {
	p.rng = rand.New(rand.NewSource(seed))
	p.theta = (p.rng.Float32()*2 - 1) * math32.Pi
	p.thetaDot = p.rng.Float32()*2 - 1
	p.step = 0
	return p.observation()
}

func (p *Pendulum) Step(action []float32) (obs []float32, reward float32, done bool) {
	torque := action[0]
	if torque < -p.maxTorque {
		torque = -p.maxTorque
	} else if torque > p.maxTorque {
		torque = p.maxTorque
	}

	angle := normalizeAngle(p.theta)
	reward = -(angle*angle + 0.1*p.thetaDot*p.thetaDot + 0.001*torque*torque)

	// Pendulum dynamics: m = l = 1.
	p.thetaDot += (3*p.gravity/2*math32.Sin(p.theta) + 3*torque) * p.dt
	if p.thetaDot > p.maxSpeed {
		p.thetaDot = p.maxSpeed
	} else if p.thetaDot < -p.maxSpeed {
		p.thetaDot = -p.maxSpeed
	}
	p.theta += p.thetaDot * p.dt

	p.step++
	done = p.step >= p.maxSteps
	return p.observation(), reward, done
}

func (p *Pendulum) observation() []float32 {
	return []float32{math32.Cos(p.theta), math32.Sin(p.theta), p.thetaDot}
}

const renderSize = 200

func (p *Pendulum) Render() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, renderSize, renderSize))
	fillBackground(img)
	cx, cy := renderSize/2, renderSize/2
	length := float32(renderSize) * 0.35
	// θ=0 is upright.
	tipX := cx + int(length*math32.Sin(p.theta))
	tipY := cy - int(length*math32.Cos(p.theta))
	drawLine(img, cx, cy, tipX, tipY, color.RGBA{R: 200, G: 60, B: 60, A: 255})
	return img
}

func (p *Pendulum) Close() {}

// normalizeAngle maps an angle to [-π, π].
func normalizeAngle(theta float32) float32 {
	twoPi := 2 * math32.Pi
	theta = math32.Mod(theta+math32.Pi, twoPi)
	if theta < 0 {
		theta += twoPi
	}
	return theta - math32.Pi
}

func fillBackground(img *image.RGBA) {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			img.Set(x, y, color.RGBA{R: 245, G: 245, B: 245, A: 255})
		}
	}
}

// drawLine draws a straight segment with Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
