package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aaron031291/grace-memory/internal/scoring"
	"github.com/aaron031291/grace-memory/pkg/types"
)

// maxRequestLog bounds the gate's in-memory request log.
const maxRequestLog = 100000

// AccessGate is the policy-enforced front door for all external read,
// write, and derive requests. Every request — granted or not — is
// appended to the request log before policy evaluation and its outcome
// patched after, so even a crashed evaluation leaves a trace. Denied
// requests never touch node state.
type AccessGate struct {
	engine   *MemoryEngine
	trust    scoring.TrustPredicate
	scopeTTL time.Duration

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	logMu      sync.Mutex
	requestLog []*types.RequestLogEntry
}

func newAccessGate(e *MemoryEngine, trust scoring.TrustPredicate) *AccessGate {
	return &AccessGate{
		engine:   e,
		trust:    trust,
		scopeTTL: e.cfg.ScopeTTL,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Request evaluates one memory request and returns a scoped,
// degradation-annotated response. Denial is a normal outcome, never an
// error.
func (g *AccessGate) Request(ctx context.Context, req types.MemoryRequest) types.MemoryResponse {
	entry := g.logPending(req)
	resp := g.evaluate(ctx, req)
	g.logOutcome(entry, resp)
	return resp
}

func (g *AccessGate) evaluate(ctx context.Context, req types.MemoryRequest) types.MemoryResponse {
	if req.Requester == "" || !req.Tier.Valid() {
		return deny(types.DenyInvalidRequest)
	}
	if !g.limiter(req.Requester).Allow() {
		return deny(types.DenyRateLimited)
	}

	switch req.Access {
	case types.AccessWrite:
		return g.evaluateWrite(ctx, req)
	case types.AccessRead, types.AccessDerive:
		return g.evaluateRead(req)
	default:
		return deny(types.DenyInvalidRequest)
	}
}

// evaluateWrite requires a requester satisfying the trust predicate.
func (g *AccessGate) evaluateWrite(ctx context.Context, req types.MemoryRequest) types.MemoryResponse {
	if !g.trust(req.Requester) {
		return deny(types.DenyInsufficientPrivilege)
	}
	if req.Payload == nil {
		return deny(types.DenyInvalidRequest)
	}

	trust := req.TrustScore
	if trust <= 0 || trust > 1 {
		trust = 0.8
	}
	nodeID, err := g.engine.Store(ctx, req.Payload, req.Tier, trust)
	if err != nil {
		return deny(err.Error())
	}

	return types.MemoryResponse{
		AccessGranted: true,
		Metadata:      map[string]interface{}{"node_id": nodeID, "tier": req.Tier},
		ScopeLimits: types.ScopeLimits{
			ValidUntil: time.Now().UTC().Add(g.scopeTTL),
			UsageScope: req.Intent,
		},
	}
}

// evaluateRead grants read/derive with a bounded validity window. The node
// is inspected without side effects first; access metadata updates only on
// the granted path.
func (g *AccessGate) evaluateRead(req types.MemoryRequest) types.MemoryResponse {
	if req.NodeID == "" {
		return deny(types.DenyInvalidRequest)
	}

	node, err := g.engine.peekNode(req.NodeID)
	if err != nil || node.Tier != req.Tier || node.Status == types.NodeArchived {
		return deny(types.DenyNotFound)
	}

	// Granted: now count the read.
	if _, err := g.engine.GetNode(req.NodeID); err != nil {
		// Evicted between peek and read; treated as a miss.
		return deny(types.DenyNotFound)
	}

	return types.MemoryResponse{
		Content:       node.Content,
		AccessGranted: true,
		Metadata: map[string]interface{}{
			"node_id":     node.ID,
			"tier":        node.Tier,
			"trust_score": node.TrustScore,
			"status":      node.Status,
		},
		ScopeLimits: types.ScopeLimits{
			ValidUntil: time.Now().UTC().Add(g.scopeTTL),
			UsageScope: req.Intent,
		},
		Degradation: node.DegradationRate,
	}
}

// Log returns a copy of the request log in append order.
func (g *AccessGate) Log() []types.RequestLogEntry {
	g.logMu.Lock()
	defer g.logMu.Unlock()
	out := make([]types.RequestLogEntry, len(g.requestLog))
	for i, entry := range g.requestLog {
		out[i] = *entry
	}
	return out
}

func (g *AccessGate) logPending(req types.MemoryRequest) *types.RequestLogEntry {
	g.logMu.Lock()
	defer g.logMu.Unlock()

	if len(g.requestLog) >= maxRequestLog {
		g.requestLog = g.requestLog[len(g.requestLog)-maxRequestLog/2:]
	}
	entry := &types.RequestLogEntry{
		Timestamp: time.Now().UTC(),
		Requester: req.Requester,
		Access:    req.Access,
		Tier:      req.Tier,
		Outcome:   "pending",
	}
	g.requestLog = append(g.requestLog, entry)
	return entry
}

func (g *AccessGate) logOutcome(entry *types.RequestLogEntry, resp types.MemoryResponse) {
	g.logMu.Lock()
	defer g.logMu.Unlock()

	entry.Granted = resp.AccessGranted
	if resp.AccessGranted {
		entry.Outcome = "granted"
	} else {
		entry.Outcome = resp.Reason
	}
}

func (g *AccessGate) limiter(requester string) *rate.Limiter {
	g.limMu.Lock()
	defer g.limMu.Unlock()

	lim, ok := g.limiters[requester]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(g.engine.cfg.RequestsPerSecond), g.engine.cfg.RequestBurst)
		g.limiters[requester] = lim
	}
	return lim
}

func deny(reason string) types.MemoryResponse {
	return types.MemoryResponse{
		AccessGranted: false,
		Reason:        reason,
	}
}
