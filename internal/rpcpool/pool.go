package rpcpool

import (
	"context"
	"sync"
	"time"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
)

// EndpointParams describes one configured endpoint's static tuning.
type EndpointParams struct {
	Name                   string
	Endpoint               string
	BackupLevel            int
	MaxConsecutiveErrors   int
	VerifyInterval         time.Duration
	MinIntervalRequests    time.Duration
	MaxHeadBehindSecs      int64
	MaxResponseTimeMs      int64
	SkipValidation         bool
}

// stats holds one endpoint's mutable scoring state behind its own lock,
// so the pool-level mutex need only be held while choosing an index.
type stats struct {
	mu sync.RWMutex

	consecutiveErrors int
	lastVerified       time.Time
	lastOutcome         VerifyOutcome
	lastStatus          VerifyStatus
	lastChosen          time.Time

	penaltyFromLastCritical float64 // halved on every verify cycle
	penaltyFromErrors       float64
	penaltyFromHeadBehind   float64
	penaltyFromMs           float64
	bonusFromLastChosen     float64

	isAllowed bool
}

// Endpoint couples a Client with its scoring state.
type Endpoint struct {
	Params EndpointParams
	Client *Client
	stats  stats
}

func newEndpoint(p EndpointParams, timeout time.Duration) *Endpoint {
	return &Endpoint{
		Params: p,
		Client: NewClient(p.Endpoint, timeout),
		stats:  stats{isAllowed: true},
	}
}

// score sums the endpoint's penalty/bonus terms, lower is better,
// mirroring the original's Web3RpcInfo::get_score.
func (e *Endpoint) score() float64 {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return float64(e.Params.BackupLevel)*1000 +
		e.stats.penaltyFromLastCritical +
		e.stats.penaltyFromErrors +
		e.stats.penaltyFromHeadBehind +
		e.stats.penaltyFromMs -
		e.stats.bonusFromLastChosen
}

func (e *Endpoint) allowed() bool {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return e.stats.isAllowed
}

// recordSuccess clears the consecutive-error streak and marks the
// endpoint allowed again.
func (e *Endpoint) recordSuccess() {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	e.stats.consecutiveErrors = 0
	e.stats.penaltyFromErrors = 0
	e.stats.isAllowed = true
}

// recordFailure grows the error streak and penalty; once the streak
// reaches MaxConsecutiveErrors the endpoint is temporarily disallowed.
func (e *Endpoint) recordFailure() {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	e.stats.consecutiveErrors++
	e.stats.penaltyFromErrors = float64(e.stats.consecutiveErrors) * 50
	if e.Params.MaxConsecutiveErrors > 0 && e.stats.consecutiveErrors >= e.Params.MaxConsecutiveErrors {
		e.stats.isAllowed = false
		e.stats.penaltyFromLastCritical += 500
	}
}

// applyVerify folds a verification outcome into the endpoint's score and
// halves the decaying critical penalty, mirroring the original's per-
// cycle decay.
func (e *Endpoint) applyVerify(outcome VerifyOutcome, status VerifyStatus, now time.Time, params EndpointParams) {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()

	e.stats.lastVerified = now
	e.stats.lastOutcome = outcome
	e.stats.lastStatus = status
	e.stats.penaltyFromLastCritical /= 2

	switch outcome {
	case VerifyOK:
		e.stats.isAllowed = true
		e.stats.consecutiveErrors = 0
		e.stats.penaltyFromErrors = 0
		if params.MaxHeadBehindSecs > 0 {
			e.stats.penaltyFromHeadBehind = float64(status.HeadSecondsBehind) / float64(params.MaxHeadBehindSecs) * 100
		}
		if params.MaxResponseTimeMs > 0 {
			e.stats.penaltyFromMs = float64(status.CheckTimeMs) / float64(params.MaxResponseTimeMs) * 100
		}
	case VerifyHeadBehind:
		e.stats.penaltyFromHeadBehind = 200
	case VerifyWrongChainID:
		e.stats.isAllowed = false
		e.stats.penaltyFromLastCritical += 10000
	case VerifyUnreachable, VerifyRPCError, VerifyOtherNetworkError, VerifyNoBlockInfo:
		e.stats.penaltyFromLastCritical += 1000
	}
}

// markChosen awards the anti-flap bonus used to keep the pool from
// bouncing between near-equally scored endpoints every call.
func (e *Endpoint) markChosen(now time.Time) {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	e.stats.lastChosen = now
	e.stats.bonusFromLastChosen = 20
}

// Pool ranks a chain's endpoints and dispatches calls to the best one,
// demoting on transport failure and promoting on success. The pool
// mutex is held only while selecting an index; all other endpoint state
// lives behind each Endpoint's own lock, so Endpoint never needs a back
// reference to Pool.
type Pool struct {
	mu          sync.Mutex
	chainID     int64
	endpoints   []*Endpoint
	dialTimeout time.Duration

	external *externalSources // nil until SetExternalSources is called
}

// NewPool builds a Pool of endpoints for one chain.
func NewPool(chainID int64, params []EndpointParams, timeout time.Duration) *Pool {
	p := &Pool{chainID: chainID, dialTimeout: timeout}
	for _, ep := range params {
		p.endpoints = append(p.endpoints, newEndpoint(ep, timeout))
	}
	return p
}

// noEndpointError is returned when every endpoint in the pool is
// currently disallowed or excluded.
type noEndpointError struct{ chainID int64 }

func (e *noEndpointError) Error() string { return "no allowed rpc endpoint available" }

func (p *Pool) selectBest(now time.Time, exclude map[*Endpoint]bool) (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Endpoint
	var bestScore float64
	for _, ep := range p.endpoints {
		if exclude[ep] || !ep.allowed() {
			continue
		}
		s := ep.score()
		if best == nil || s < bestScore {
			best = ep
			bestScore = s
		}
	}
	if best == nil {
		return nil, &noEndpointError{chainID: p.chainID}
	}
	best.markChosen(now)
	return best, nil
}

// maxCallAttempts bounds how many distinct endpoints Call tries before
// giving up, per the pool's dispatch algorithm.
const maxCallAttempts = 4

// Call selects the current best endpoint, issues the request, and
// updates that endpoint's score from the outcome. Semantic errors never
// affect scoring since the endpoint relayed the chain's answer
// correctly and are returned immediately without retrying. Transport
// errors demote the endpoint and retry against the next best one, up to
// maxCallAttempts total, after which the last transport error is
// returned.
func (p *Pool) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	tried := make(map[*Endpoint]bool, maxCallAttempts)
	var lastErr error
	for attempt := 0; attempt < maxCallAttempts; attempt++ {
		ep, err := p.selectBest(time.Now(), tried)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		tried[ep] = true

		err = ep.Client.Call(ctx, method, params, out)
		switch {
		case err == nil:
			ep.recordSuccess()
			return nil
		case chainerr.Is(err, chainerr.ClassTransport):
			ep.recordFailure()
			lastErr = err
			continue
		default:
			return err
		}
	}
	return lastErr
}

// VerifyAll runs Verify against every endpoint and folds the result into
// its score. Intended to be called on VerifyParams.ChainID's configured
// interval from the scheduler.
func (p *Pool) VerifyAll(ctx context.Context, vparams VerifyParams) {
	now := time.Now()
	for _, ep := range p.endpoints {
		if ep.Params.SkipValidation {
			continue
		}
		outcome, status, _ := Verify(ctx, ep.Client, vparams, now)
		ep.applyVerify(outcome, status, now, ep.Params)
	}
}

// Len returns the number of endpoints configured for this pool.
func (p *Pool) Len() int { return len(p.endpoints) }
