package heating

import "time"

// pidState is the per-zone accumulator for the shared-gain PID loop.
type pidState struct {
	integral   float64
	lastError  float64
	lastUpdate time.Time
}

// advance steps the PID by dt and returns the duty level in [0, 100].
// The integral is clamped to the anti-windup band 100/ki so a long
// unsatisfied demand cannot wind the term past full output.
func (p *pidState) advance(params PIDParams, err float64, dt float64) float64 {
	if dt <= 0 {
		return 0
	}

	p.integral += err * dt
	if params.Ki > 0 {
		limit := 100 / params.Ki
		if p.integral > limit {
			p.integral = limit
		} else if p.integral < -limit {
			p.integral = -limit
		}
	}

	derivative := (err - p.lastError) / dt
	p.lastError = err

	output := params.Kp*err + params.Ki*p.integral + params.Kd*derivative
	if output < 0 {
		return 0
	}
	if output > 100 {
		return 100
	}
	return output
}

// reset clears the accumulator, used when a zone is disabled or faulted so
// stale integral does not kick the zone on recovery.
func (p *pidState) reset() {
	p.integral = 0
	p.lastError = 0
}
