package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
)

// Resolver resolves logical model ids. *ModelRegistry implements it.
type Resolver interface {
	Resolve(ctx context.Context, id string) (ModelSpec, error)
}

// Attempt records one chain entry tried for a request.
type Attempt struct {
	Entry    ChainEntry
	Reason   FailoverReason
	Err      error
	Duration time.Duration
}

// Result is a completion plus the chain entry that served it.
type Result struct {
	*Response
	LogicalModel string
	Served       ChainEntry
	Attempts     []Attempt
	CostUSD      float64
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Resolver  Resolver
	Providers []Provider
	// AttemptTimeout bounds each chain entry. Zero leaves the caller's deadline.
	AttemptTimeout time.Duration
	Logger         zerolog.Logger
}

// Gateway completes requests against a logical model's fallback chain.
type Gateway struct {
	cfg       GatewayConfig
	logger    zerolog.Logger
	providers map[string]Provider
}

// NewGateway creates a gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("gateway requires a model resolver")
	}
	observability.EnsureRegistered()
	g := &Gateway{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "llm_gateway").Logger(),
		providers: make(map[string]Provider, len(cfg.Providers)),
	}
	for _, p := range cfg.Providers {
		if _, dup := g.providers[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}
		g.providers[p.Name()] = p
	}
	return g, nil
}

// Providers returns the configured provider names.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	return names
}

// Complete walks the chain for logicalID. The first success is returned.
// Retryable failures advance to the next entry; a fatal failure returns
// immediately. Both exhaustion and abort yield a *FallbackError.
func (g *Gateway) Complete(ctx context.Context, logicalID string, req *Request) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "agentcore.llm", "llm.complete", attribute.String("model", logicalID))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, g.logger).With().Str("model", logicalID).Logger()

	spec, err := g.cfg.Resolver.Resolve(ctx, logicalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	fe := &FallbackError{LogicalModel: logicalID, err: &multierror.Error{}}
	for i, entry := range spec.Chain {
		if err := ctx.Err(); err != nil {
			fe.Fatal = true
			fe.Attempts = append(fe.Attempts, Attempt{Entry: entry, Reason: ClassifyError(err), Err: err})
			fe.err = multierror.Append(fe.err, fmt.Errorf("%s: %w", entry, err))
			break
		}

		resp, attempt := g.attempt(ctx, entry, spec, req)
		if attempt.Err == nil {
			result := &Result{
				Response:     resp,
				LogicalModel: logicalID,
				Served:       entry,
				Attempts:     append(fe.Attempts, attempt),
				CostUSD:      spec.Pricing.Cost(resp.Usage),
			}
			observability.RecordLLMUsage(entry.Provider, entry.Model, logicalID, resp.Usage.InputTokens, resp.Usage.OutputTokens, result.CostUSD)
			span.SetAttributes(
				attribute.String("served_provider", entry.Provider),
				attribute.String("served_model", entry.Model),
				attribute.Int("attempts", len(result.Attempts)),
			)
			if i > 0 {
				logger.Info().Str("served", entry.String()).Int("attempts", len(result.Attempts)).Msg("Served by fallback entry")
			}
			return result, nil
		}

		fe.Attempts = append(fe.Attempts, attempt)
		fe.err = multierror.Append(fe.err, fmt.Errorf("%s: %w", entry, attempt.Err))

		if !attempt.Reason.Retryable() {
			fe.Fatal = true
			logger.Error().Err(attempt.Err).Str("entry", entry.String()).Str("reason", string(attempt.Reason)).Msg("Fatal provider error, aborting fallback chain")
			break
		}
		observability.RecordLLMFallback(logicalID, string(attempt.Reason))
		logger.Warn().Err(attempt.Err).Str("entry", entry.String()).Str("reason", string(attempt.Reason)).Msg("Provider attempt failed, trying next entry")
	}

	span.RecordError(fe)
	span.SetStatus(codes.Error, fe.Error())
	return nil, fe
}

func (g *Gateway) attempt(ctx context.Context, entry ChainEntry, spec ModelSpec, req *Request) (*Response, Attempt) {
	attempt := Attempt{Entry: entry}
	provider, ok := g.providers[entry.Provider]
	if !ok {
		attempt.Err = &ProviderError{Provider: entry.Provider, Model: entry.Model, Reason: FailoverModelUnavailable,
			Err: fmt.Errorf("%w: %s", ErrUnknownProvider, entry.Provider)}
		attempt.Reason = FailoverModelUnavailable
		observability.RecordLLMAttempt(entry.Provider, entry.Model, string(attempt.Reason), 0)
		return nil, attempt
	}

	if g.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		defer cancel()
	}
	ctx, span := tracing.StartSpan(ctx, "agentcore.llm", "llm.attempt",
		attribute.String("provider", entry.Provider),
		attribute.String("model", entry.Model),
	)
	defer span.End()

	start := time.Now()
	resp, err := provider.Complete(ctx, applySpec(req, entry, spec))
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Err = err
		attempt.Reason = ClassifyError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(attempt.Reason))
		observability.RecordLLMAttempt(entry.Provider, entry.Model, string(attempt.Reason), attempt.Duration)
		return nil, attempt
	}
	if resp.Model == "" {
		resp.Model = entry.Model
	}
	observability.RecordLLMAttempt(entry.Provider, entry.Model, "success", attempt.Duration)
	return resp, attempt
}

// applySpec returns a copy of req addressed to entry with the model's
// parameter overrides applied. Explicit request values win.
func applySpec(req *Request, entry ChainEntry, spec ModelSpec) *Request {
	out := *req
	out.Model = entry.Model
	out.Params = make(map[string]any, len(spec.Params)+len(req.Params))
	for k, v := range spec.Params {
		out.Params[k] = v
	}
	for k, v := range req.Params {
		out.Params[k] = v
	}
	if out.Temperature == nil {
		if t, ok := toFloat(out.Params["temperature"]); ok {
			out.Temperature = &t
		}
	}
	if out.MaxTokens == 0 {
		if n, ok := toFloat(out.Params["max_tokens"]); ok {
			out.MaxTokens = int(n)
		}
	}
	return &out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
