package scenario

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/transport"
)

// ErrNoResponse is reported when a Requester returns neither a response
// nor an error.
var ErrNoResponse = errors.New("transport returned no response")

// Vars is a VU-local variable scope.
type Vars interface {
	SetData(key string, value any)
	GetData(key string) (any, bool)
	ClearData(key string)
}

// Env is what a work function sees during one iteration. It is owned by a
// single VU and must not be shared across goroutines.
type Env struct {
	// Rand is the VU's private random source.
	Rand *rand.Rand

	// Vars holds values carried between iterations of the same VU.
	Vars Vars

	// Metrics receives observations.
	Metrics *metrics.Registry

	// Client performs requests.
	Client transport.Requester

	// BaseURL is prefixed to request URLs starting with "/".
	BaseURL string

	Logger *zap.Logger
}

// Outcome is the result of Env.Request. Transport errors are reported in
// Err, never returned.
type Outcome struct {
	Response *transport.Response
	Err      error
	Failed   bool
	Duration time.Duration
}

// Status returns the response status, or 0 when no response was received.
func (o *Outcome) Status() int {
	if o.Response == nil {
		return 0
	}
	return o.Response.Status
}

// Body returns the response body, or nil when no response was received.
func (o *Outcome) Body() []byte {
	if o.Response == nil {
		return nil
	}
	return o.Response.Body
}

// Request performs req and records http_req_duration, http_req_failed and
// http_reqs. A request fails when the transport errors or, unless
// expectStatus lists the status, when the status is 400 or above.
func (env *Env) Request(ctx context.Context, req *transport.Request, expectStatus ...int) *Outcome {
	if strings.HasPrefix(req.URL, "/") && env.BaseURL != "" {
		r := *req
		r.URL = strings.TrimSuffix(env.BaseURL, "/") + req.URL
		req = &r
	}

	start := time.Now()
	resp, err := env.Client.Do(ctx, req)
	if err == nil && resp == nil {
		err = ErrNoResponse
	}
	out := &Outcome{Response: resp, Err: err, Duration: time.Since(start)}

	switch {
	case err != nil:
		out.Failed = true
		env.logger().Debug("request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Error(err))
	case len(expectStatus) > 0:
		out.Failed = !slices.Contains(expectStatus, resp.Status)
	default:
		out.Failed = resp.Status >= http.StatusBadRequest
	}

	if resp != nil && resp.Duration > 0 {
		out.Duration = resp.Duration
	}

	env.Trend(metrics.HTTPReqDuration, float64(out.Duration)/float64(time.Millisecond))
	env.Rate(metrics.HTTPReqFailed, out.Failed)
	env.Trend(metrics.HTTPReqs, float64(len(out.Body())))
	return out
}

// Check records one check outcome into the checks metric and returns ok.
func (env *Env) Check(name string, ok bool) bool {
	env.Rate(metrics.Checks, ok)
	if !ok {
		env.logger().Debug("check failed", zap.String("check", name))
	}
	return ok
}

// Rate records a boolean observation into a rate metric.
func (env *Env) Rate(name string, ok bool) {
	if s := env.stream(name, metrics.KindRate); s != nil {
		s.RecordBool(ok)
	}
}

// Trend records a value into a trend metric.
func (env *Env) Trend(name string, v float64) {
	if s := env.stream(name, metrics.KindTrend); s != nil {
		s.Record(v)
	}
}

// Var returns a VU-local variable.
func (env *Env) Var(name string) (any, bool) {
	if env.Vars == nil {
		return nil, false
	}
	return env.Vars.GetData(name)
}

// SetVar stores a VU-local variable.
func (env *Env) SetVar(name string, value any) {
	if env.Vars != nil {
		env.Vars.SetData(name, value)
	}
}

// ClearVar removes a VU-local variable.
func (env *Env) ClearVar(name string) {
	if env.Vars != nil {
		env.Vars.ClearData(name)
	}
}

// stream looks up a metric. A kind conflict is a workload bug; it is logged
// and the observation dropped so the VU keeps running.
func (env *Env) stream(name string, kind metrics.Kind) *metrics.Stream {
	if env.Metrics == nil {
		return nil
	}
	s, err := env.Metrics.GetOrCreate(name, kind)
	if err != nil {
		env.logger().Error("dropping observation", zap.String("metric", name), zap.Error(err))
		return nil
	}
	return s
}

func (env *Env) logger() *zap.Logger {
	if env.Logger == nil {
		return zap.NewNop()
	}
	return env.Logger
}
