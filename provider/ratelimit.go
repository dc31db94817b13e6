package provider

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/tzgw/schema"
)

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top of
// a Client. It estimates the token cost of each request, blocks callers
// until capacity is available, and backs off its effective tokens-per-minute
// budget whenever the wrapped client reports ErrorKindRateLimited, probing
// back up on each success. The limiter is process-local, sitting at exactly
// the provider.Client construction boundary cmd/tzgw-server/providers.go
// registers adapters at.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

// NewAdaptiveRateLimiter constructs a limiter with an initial and maximum
// tokens-per-minute budget. A non-positive initialTPM defaults to a
// conservative 60000; maxTPM is clamped up to initialTPM if given lower.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns a Client that enforces this limiter in front of next.
func (l *AdaptiveRateLimiter) Wrap(next Client) Client {
	if next == nil {
		return nil
	}
	return &limitedClient{next: next, limiter: l}
}

type limitedClient struct {
	next    Client
	limiter *AdaptiveRateLimiter
}

func (c *limitedClient) Infer(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Infer(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (c *limitedClient) InferStream(ctx context.Context, req Request) (Streamer, []byte, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, nil, err
	}
	streamer, raw, err := c.next.InferStream(ctx, req)
	c.limiter.observe(err)
	return streamer, raw, err
}

func (c *limitedClient) StartBatch(ctx context.Context, reqs []Request) (*BatchHandle, error) {
	return c.next.StartBatch(ctx, reqs)
}

func (c *limitedClient) PollBatch(ctx context.Context, handle BatchHandle) (*BatchPollResult, error) {
	return c.next.PollBatch(ctx, handle)
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if perr, ok := AsError(err); ok && perr.Kind == ErrorKindRateLimited {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPM(newTPM)
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPM(newTPM)
}

// setTPM must be called with l.mu held.
func (l *AdaptiveRateLimiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens computes a cheap heuristic for the number of tokens in the
// request transcript: characters in text and tool-result content, divided
// by an approximate chars-per-token ratio, plus a fixed buffer for system
// prompts and provider framing.
func estimateTokens(req Request) int {
	charCount := 0
	for _, m := range req.Messages {
		for _, block := range m.Content {
			switch v := block.(type) {
			case schema.TextBlock:
				if v.Text != nil {
					charCount += len(*v.Text)
				}
			case schema.ToolResultBlock:
				charCount += len(v.Result)
			}
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
