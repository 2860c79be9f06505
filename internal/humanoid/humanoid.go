package humanoid

import (
	"context"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/review-crawler/internal/random"
	"github.com/maltedev/review-crawler/internal/ratelimit"
)

// Mouse is the subset of playwright.Mouse the simulator drives.
type Mouse interface {
	Move(x, y float64, options ...playwright.MouseMoveOptions) error
	Wheel(deltaX, deltaY float64) error
}

// Keyboard is the subset of playwright.Keyboard the simulator drives.
type Keyboard interface {
	Type(text string, options ...playwright.KeyboardTypeOptions) error
}

type Point struct {
	X, Y float64
}

// Box is a target rectangle in viewport coordinates.
type Box struct {
	X, Y, Width, Height float64
}

// FromRect converts a playwright bounding box.
func FromRect(r *playwright.Rect) Box {
	if r == nil {
		return Box{}
	}
	return Box{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

// Center of the box.
func (b Box) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

const extraJitterChance = 0.3

// Simulator produces human-looking timing and pointer paths. Every wait is
// context-aware.
type Simulator struct {
	rnd   *random.Source
	sleep ratelimit.SleepFunc
}

func New(rnd *random.Source, sleep ratelimit.SleepFunc) *Simulator {
	if sleep == nil {
		sleep = ratelimit.Sleep
	}
	return &Simulator{rnd: rnd, sleep: sleep}
}

// Delay waits a uniform duration in [min,max]. With probability 0.3 a second
// jitter of up to one second is added.
func (s *Simulator) Delay(ctx context.Context, min, max time.Duration) error {
	d := s.rnd.Duration(min, max)
	if s.rnd.Chance(extraJitterChance) {
		d += s.rnd.Duration(0, time.Second)
	}
	return s.sleep(ctx, d)
}

// MoveTo glides the pointer from `from` to a random point inside box in
// 10 to 24 interpolated steps and returns where it landed.
func (s *Simulator) MoveTo(ctx context.Context, mouse Mouse, from Point, box Box) (Point, error) {
	target := Point{
		X: box.X + box.Width*s.rnd.FloatBetween(0.3, 0.7),
		Y: box.Y + box.Height*s.rnd.FloatBetween(0.3, 0.7),
	}

	steps := s.rnd.IntBetween(10, 24)
	for i := 1; i <= steps; i++ {
		progress := float64(i) / float64(steps)
		x := from.X + (target.X-from.X)*progress
		y := from.Y + (target.Y-from.Y)*progress
		if err := mouse.Move(x, y); err != nil {
			return from, err
		}
		if err := s.sleep(ctx, s.rnd.Duration(5*time.Millisecond, 20*time.Millisecond)); err != nil {
			return Point{X: x, Y: y}, err
		}
	}

	return target, nil
}

// ScrollBy scrolls distance pixels in random 50-150px wheel steps with a
// 100-350ms pause between steps. Negative distances scroll up.
func (s *Simulator) ScrollBy(ctx context.Context, mouse Mouse, distance float64) error {
	direction := 1.0
	if distance < 0 {
		direction = -1
		distance = -distance
	}

	for remaining := distance; remaining > 0; {
		step := s.rnd.FloatBetween(50, 150)
		if step > remaining {
			step = remaining
		}
		if err := mouse.Wheel(0, direction*step); err != nil {
			return err
		}
		remaining -= step

		if err := s.sleep(ctx, s.rnd.Duration(100*time.Millisecond, 350*time.Millisecond)); err != nil {
			return err
		}
	}
	return nil
}

// TypeText sends one key event per rune, waiting 50-200ms after each.
func (s *Simulator) TypeText(ctx context.Context, keyboard Keyboard, text string) error {
	for _, r := range text {
		if err := keyboard.Type(string(r)); err != nil {
			return err
		}
		if err := s.sleep(ctx, s.rnd.Duration(50*time.Millisecond, 200*time.Millisecond)); err != nil {
			return err
		}
	}
	return nil
}

// Wander makes 2-6 idle pointer moves across a viewport of the given size.
func (s *Simulator) Wander(ctx context.Context, mouse Mouse, width, height float64) error {
	pos := Point{X: width / 2, Y: height / 2}
	moves := s.rnd.IntBetween(2, 6)

	for i := 0; i < moves; i++ {
		box := Box{
			X:      s.rnd.FloatBetween(0, width*0.8),
			Y:      s.rnd.FloatBetween(0, height*0.8),
			Width:  width * 0.2,
			Height: height * 0.2,
		}
		next, err := s.MoveTo(ctx, mouse, pos, box)
		if err != nil {
			return err
		}
		pos = next

		if err := s.Delay(ctx, 100*time.Millisecond, 500*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}
