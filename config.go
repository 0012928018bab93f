package x402

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
)

// PaywallConfig configures the resource side: which paths and gRPC methods
// cost what, and how proofs are checked.
type PaywallConfig struct {
	// Verifier checks proofs presented in X-PAYMENT
	Verifier ProofVerifier

	// EndpointPricing maps URL patterns to pricing rules
	// Patterns support exact matches ("/v1/endpoint") and wildcards ("/v1/*")
	EndpointPricing map[string]PricingRule

	// MethodPricing maps gRPC method names to pricing rules
	// Supports wildcards: "/package.Service/*" matches all methods in a service
	MethodPricing map[string]PricingRule

	// DefaultPricing is used when no pattern matches (optional)
	// If nil, unmatched endpoints don't require payment
	DefaultPricing *PricingRule

	// ValidityDuration is how old a proof may be and still be accepted
	// Defaults to 5 minutes
	ValidityDuration time.Duration

	// SkipPaths lists paths that should bypass payment checks entirely
	SkipPaths []string

	// SkipMethods lists gRPC methods that should bypass payment checks
	SkipMethods []string

	// Redemptions records which resource each signature paid for
	// Defaults to an in-memory store
	Redemptions RedemptionStore

	// Now returns the current time; defaults to time.Now
	Now func() time.Time

	Logger *slog.Logger
}

// PricingRule defines payment requirements for an endpoint
type PricingRule struct {
	// Amount is the price in atomic units (e.g., "10000" for 0.01 USDC)
	Amount string

	// Token is the asset and destination the payment must use
	Token TokenRequirement

	// Description explains what this payment is for
	Description string

	// MimeType of the resource being sold (optional)
	MimeType string

	// MaxTimeoutSeconds is advertised to payers; defaults to 60
	MaxTimeoutSeconds int
}

// TokenRequirement specifies the network, asset and payee of a price
type TokenRequirement struct {
	// Network is the chain (e.g., "solana", "solana-devnet")
	Network string

	// Asset is the SPL mint address, or "native" for SOL
	Asset string

	// Symbol is the token symbol (optional, e.g. "USDC")
	Symbol string

	// Payee is the wallet that will receive payment
	Payee string

	// Decimals of the asset
	Decimals int
}

// Validate checks if the configuration is valid
func (c *PaywallConfig) Validate() error {
	if c.Verifier == nil {
		return fmt.Errorf("verifier is required")
	}

	if c.ValidityDuration == 0 {
		c.ValidityDuration = 5 * time.Minute
	}

	if c.Redemptions == nil {
		c.Redemptions = NewMemoryRedemptions()
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}

	for pattern, rule := range c.EndpointPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for pattern %q: %w", pattern, err)
		}
	}

	for method, rule := range c.MethodPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for method %q: %w", method, err)
		}
	}

	if c.DefaultPricing != nil {
		if err := c.DefaultPricing.Validate(); err != nil {
			return fmt.Errorf("invalid default pricing rule: %w", err)
		}
	}

	return nil
}

// Validate checks if the pricing rule is valid
func (p *PricingRule) Validate() error {
	if p.Amount == "" {
		return fmt.Errorf("amount is required")
	}
	if _, err := ParseAtomic(p.Amount); err != nil {
		return err
	}
	if err := p.Token.Validate(); err != nil {
		return fmt.Errorf("invalid token requirement: %w", err)
	}
	return nil
}

// Validate checks if the token requirement is valid
func (t *TokenRequirement) Validate() error {
	if t.Network == "" {
		return fmt.Errorf("network is required")
	}

	if t.Payee == "" {
		return fmt.Errorf("payee is required")
	}

	if t.Asset == "" {
		return fmt.Errorf("asset is required")
	}

	if t.Decimals < 0 || t.Decimals > 255 {
		return fmt.Errorf("decimals out of range: %d", t.Decimals)
	}

	return nil
}

// Requirement converts the rule into the requirement demanded for resource.
func (p *PricingRule) Requirement(resource string) *Requirement {
	amount, _ := ParseAtomic(p.Amount)
	timeout := p.MaxTimeoutSeconds
	if timeout == 0 {
		timeout = 60
	}
	var extra map[string]interface{}
	if p.Token.Symbol != "" {
		extra = map[string]interface{}{"symbol": p.Token.Symbol}
	}
	return &Requirement{
		Scheme:            SchemeExact,
		Network:           p.Token.Network,
		Asset:             p.Token.Asset,
		Amount:            amount,
		Decimals:          p.Token.Decimals,
		Payee:             p.Token.Payee,
		Resource:          resource,
		Description:       p.Description,
		MimeType:          p.MimeType,
		MaxTimeoutSeconds: timeout,
		Extra:             extra,
	}
}

// MatchEndpoint finds the pricing rule for a given path
// Returns the rule and true if found, nil and false otherwise
func (c *PaywallConfig) MatchEndpoint(requestPath string) (*PricingRule, bool) {
	return match(requestPath, c.SkipPaths, c.EndpointPricing, c.DefaultPricing)
}

// MatchMethod finds the pricing rule for a given gRPC method
// Returns the rule and true if found, nil and false otherwise
func (c *PaywallConfig) MatchMethod(fullMethod string) (*PricingRule, bool) {
	return match(fullMethod, c.SkipMethods, c.MethodPricing, c.DefaultPricing)
}

func match(name string, skip []string, rules map[string]PricingRule, fallback *PricingRule) (*PricingRule, bool) {
	for _, s := range skip {
		if matchPath(name, s) {
			return nil, false
		}
	}

	if rule, ok := rules[name]; ok {
		return &rule, true
	}

	// Longest matching pattern wins
	var bestMatch string
	var bestRule *PricingRule
	for pattern, rule := range rules {
		if matchPath(name, pattern) && len(pattern) > len(bestMatch) {
			bestMatch = pattern
			ruleCopy := rule
			bestRule = &ruleCopy
		}
	}
	if bestRule != nil {
		return bestRule, true
	}

	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

// matchPath checks if a request path matches a pattern
// Supports wildcards: /v1/* matches /v1/foo, /v1/foo/bar, etc.
func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}
