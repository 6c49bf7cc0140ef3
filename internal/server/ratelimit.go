package server

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// PerConnLimiter throttles Acquire/Heartbeat per remote peer address, so a
// misbehaving worker hammering the poll loop cannot starve the broker's
// single mutual-exclusion domain of time for other workers. Producers
// calling Enqueue/Cancel/Status are unthrottled.
type PerConnLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPerConnLimiter builds a limiter allowing rps requests per second per
// peer, with burst headroom on top.
func NewPerConnLimiter(rps float64, burst int) *PerConnLimiter {
	return &PerConnLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

var throttledMethods = map[string]bool{
	"/broker.v1.BrokerService/Acquire":   true,
	"/broker.v1.BrokerService/Heartbeat": true,
}

// UnaryInterceptor rejects calls to throttled methods once a peer exceeds
// its allotted rate, with grpc/codes.ResourceExhausted.
func (l *PerConnLimiter) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !throttledMethods[info.FullMethod] {
		return handler(ctx, req)
	}
	if !l.limiterFor(peerKey(ctx)).Allow() {
		return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s", info.FullMethod)
	}
	return handler(ctx, req)
}

func (l *PerConnLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

func peerKey(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	return p.Addr.String()
}
