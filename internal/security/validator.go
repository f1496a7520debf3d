package security

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jkaninda/kinga/internal/capability"
)

// Options configures a Validator. Zero values select the defaults.
type Options struct {
	CacheSize   int           // decision cache entries (default 1024)
	CacheTTL    time.Duration // decision cache lifetime (default 5m)
	HistorySize int           // retained violations (default 1000)

	// SuspiciousIsBlocked degrades SUSPICIOUS to BLOCKED. When false a
	// suspicious request passes with a recorded warning.
	SuspiciousIsBlocked bool

	// Sink, if set, receives every violation after it is recorded.
	Sink ViolationSink
}

func (o Options) withDefaults() Options {
	if o.CacheSize <= 0 {
		o.CacheSize = 1024
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 1000
	}
	return o
}

// Decision is the result of one validation.
type Decision struct {
	Outcome        Outcome `json:"outcome"`
	CapabilityType string  `json:"capability_type"`
	Resource       string  `json:"resource"`
	Operation      string  `json:"operation"`
	Policy         string  `json:"policy,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	Cached         bool    `json:"cached,omitempty"`

	monitoring string
	err        error
}

// Permitted reports whether the request may proceed. SUSPICIOUS only
// reaches callers when the validator lets it pass with a warning.
func (d Decision) Permitted() bool {
	return d.Outcome == Allowed || d.Outcome == Suspicious
}

// Err returns the capability error behind a DENIED decision, if any.
func (d Decision) Err() error { return d.err }

// Stats summarizes validator activity.
type Stats struct {
	CacheHits   int64            `json:"cache_hits"`
	CacheMisses int64            `json:"cache_misses"`
	Outcomes    map[string]int64 `json:"outcomes"`
	Violations  int              `json:"violations"`
	Policies    int              `json:"policies"`
}

type cacheKey struct {
	token     *capability.Token
	capType   string
	resource  string
	operation string
	usage     int
}

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

// Validator renders policy decisions for capability requests.
//
// Policy table, violation history and outcome counters share one lock; the
// decision cache is guarded separately by the LRU's own lock, so cached
// lookups never wait on policy registration.
type Validator struct {
	mu         sync.RWMutex
	policies   map[string]*compiledPolicy
	order      []string
	byType     map[string]string
	violations *history
	outcomes   map[Outcome]int64

	cache  *expirable.LRU[cacheKey, cacheEntry]
	hits   atomic.Int64
	misses atomic.Int64

	opts   Options
	logger *slog.Logger
}

// NewValidator creates a validator with the default policies registered.
func NewValidator(opts Options, logger *slog.Logger) *Validator {
	v := newValidator(opts, logger)
	if err := v.RegisterAll(DefaultPolicies()); err != nil {
		panic(fmt.Sprintf("security: default policies: %v", err))
	}
	return v
}

// NewValidatorFromSet creates a validator holding exactly the policies in
// ps, in the same registration order. The generic fallback is added when
// ps lacks one.
func NewValidatorFromSet(ps PolicySet, opts Options, logger *slog.Logger) (*Validator, error) {
	opts.SuspiciousIsBlocked = ps.SuspiciousIsBlocked
	v := newValidator(opts, logger)
	policies := ps.Policies
	if !slices.ContainsFunc(policies, func(p Policy) bool { return p.Name == GenericPolicyName }) {
		policies = append([]Policy{genericPolicy()}, policies...)
	}
	if err := v.RegisterAll(policies); err != nil {
		return nil, err
	}
	return v, nil
}

func newValidator(opts Options, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts = opts.withDefaults()
	return &Validator{
		policies:   make(map[string]*compiledPolicy),
		byType:     make(map[string]string),
		violations: newHistory(opts.HistorySize),
		outcomes:   make(map[Outcome]int64),
		cache:      expirable.NewLRU[cacheKey, cacheEntry](opts.CacheSize, nil, opts.CacheTTL),
		opts:       opts,
		logger:     logger,
	}
}

// Register adds p, fully replacing any policy with the same name.
func (v *Validator) Register(p Policy) error {
	return v.RegisterAll([]Policy{p})
}

// RegisterAll compiles every policy before installing any, so a bad
// pattern leaves the table untouched.
func (v *Validator) RegisterAll(policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := compilePolicy(p)
		if err != nil {
			return err
		}
		compiled = append(compiled, cp)
	}

	v.mu.Lock()
	for _, cp := range compiled {
		if _, exists := v.policies[cp.Name]; exists {
			v.order = slices.DeleteFunc(v.order, func(n string) bool { return n == cp.Name })
		}
		v.policies[cp.Name] = cp
		v.order = append(v.order, cp.Name)
	}
	v.rebuildIndexLocked()
	v.mu.Unlock()

	v.cache.Purge()
	for _, cp := range compiled {
		v.logger.Debug("policy registered",
			slog.String("policy", cp.Name),
			slog.Any("capability_types", cp.CapabilityTypes),
		)
	}
	return nil
}

// Unregister removes a policy by name. The generic fallback cannot be removed.
func (v *Validator) Unregister(name string) bool {
	if name == GenericPolicyName {
		return false
	}
	v.mu.Lock()
	_, ok := v.policies[name]
	if ok {
		delete(v.policies, name)
		v.order = slices.DeleteFunc(v.order, func(n string) bool { return n == name })
		v.rebuildIndexLocked()
	}
	v.mu.Unlock()
	if ok {
		v.cache.Purge()
	}
	return ok
}

// rebuildIndexLocked maps each capability type to the most recently
// registered policy claiming it.
func (v *Validator) rebuildIndexLocked() {
	clear(v.byType)
	for _, name := range v.order {
		for _, t := range v.policies[name].CapabilityTypes {
			v.byType[t] = name
		}
	}
}

// PolicySet is a portable copy of a validator's rules. A child process
// rebuilds the same decision path from it.
type PolicySet struct {
	Policies            []Policy            `json:"policies"`
	Suspicious          []SuspiciousPattern `json:"suspicious"`
	SuspiciousIsBlocked bool                `json:"suspicious_is_blocked"`
}

// PolicySetEnvVar carries an encoded PolicySet into a sandboxed child.
const PolicySetEnvVar = "KINGA_POLICY_SET"

// Encode renders ps as base64url JSON for an environment variable.
func (ps PolicySet) Encode() (string, error) {
	data, err := json.Marshal(ps)
	if err != nil {
		return "", fmt.Errorf("encoding policy set: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodePolicySet parses Encode output.
func DecodePolicySet(encoded string) (PolicySet, error) {
	var ps PolicySet
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(encoded), "="))
	if err != nil {
		return ps, fmt.Errorf("decoding policy set: %w", err)
	}
	if err := json.Unmarshal(raw, &ps); err != nil {
		return ps, fmt.Errorf("parsing policy set: %w", err)
	}
	return ps, nil
}

// PolicySet snapshots the registered policies in registration order along
// with the suspicious watch list.
func (v *Validator) PolicySet() PolicySet {
	return PolicySet{
		Policies:            v.Policies(),
		Suspicious:          SuspiciousPatterns(),
		SuspiciousIsBlocked: v.opts.SuspiciousIsBlocked,
	}
}

// Policy returns the policy registered under name.
func (v *Validator) Policy(name string) (Policy, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cp, ok := v.policies[name]
	if !ok {
		return Policy{}, false
	}
	return cp.Policy, true
}

// Policies returns the registered policies in registration order.
func (v *Validator) Policies() []Policy {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Policy, 0, len(v.order))
	for _, name := range v.order {
		out = append(out, v.policies[name].Policy)
	}
	return out
}

// PolicyFor returns the policy that governs capType.
func (v *Validator) PolicyFor(capType string) Policy {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.policyForLocked(capType).Policy
}

func (v *Validator) policyForLocked(capType string) *compiledPolicy {
	if name, ok := v.byType[capType]; ok {
		return v.policies[name]
	}
	return v.policies[GenericPolicyName]
}

// Validate decides whether c may perform operation on resource under
// capType. It never consumes quota; see Authorize.
func (v *Validator) Validate(ctx context.Context, c *capability.Context, capType, resource, operation string) Decision {
	d := Decision{CapabilityType: capType, Resource: resource, Operation: operation}
	if c == nil {
		d.Outcome = Denied
		d.Reason = "no capability context"
		d.err = capability.NotFoundError(capType)
		v.finish(ctx, d, nil)
		return d
	}

	tok, err := c.Get(capType, true)
	if err != nil {
		d.Outcome = Denied
		d.Reason = err.Error()
		d.err = err
		d.monitoring = v.monitoringFor(capType)
		v.finish(ctx, d, c)
		return d
	}

	key := cacheKey{token: tok, capType: capType, resource: resource, operation: operation, usage: tok.UsageCount()}
	if e, ok := v.cache.Get(key); ok && (e.expiresAt.IsZero() || time.Now().Before(e.expiresAt)) {
		v.hits.Add(1)
		d = e.decision
		d.Cached = true
		v.finish(ctx, d, c)
		return d
	}
	v.misses.Add(1)

	d = v.evaluate(tok, d)
	entry := cacheEntry{decision: d}
	if exp := tok.Constraint().ExpiresAt; exp != nil {
		entry.expiresAt = *exp
	}
	v.cache.Add(key, entry)
	v.finish(ctx, d, c)
	return d
}

// evaluate runs the policy steps for a resolved token.
func (v *Validator) evaluate(tok *capability.Token, d Decision) Decision {
	con := tok.Constraint()
	if !con.MatchesResource(d.Resource) {
		d.Outcome = Denied
		d.Reason = "resource outside the token's constraint"
		d.err = capability.ScopeError(d.CapabilityType, d.Resource, d.Operation, "resource not granted")
		return d
	}
	if !con.AllowsOperation(d.Operation) {
		d.Outcome = Denied
		d.Reason = "operation outside the token's constraint"
		d.err = capability.ScopeError(d.CapabilityType, d.Resource, d.Operation, "operation not granted")
		return d
	}

	v.mu.RLock()
	p := v.policyForLocked(d.CapabilityType)
	v.mu.RUnlock()
	d.Policy = p.Name
	d.monitoring = p.MonitoringLevel

	if pattern := p.blockedBy(d.Resource); pattern != "" {
		d.Outcome = Blocked
		d.Reason = fmt.Sprintf("resource matches blocked pattern %s", pattern)
		return d
	}
	if !p.allows(d.Resource) {
		d.Outcome = Blocked
		d.Reason = "resource not in the policy allow list"
		return d
	}
	if p.UsageCeiling != nil && tok.UsageCount() >= *p.UsageCeiling {
		d.Outcome = Blocked
		d.Reason = fmt.Sprintf("policy usage ceiling of %d reached", *p.UsageCeiling)
		return d
	}
	if p.elevated(d.Operation) && tok.Level() < capability.LevelAdmin {
		d.Outcome = RequiresElevation
		d.Reason = fmt.Sprintf("operation %q requires admin, token held at %s", d.Operation, tok.Level())
		d.err = capability.InsufficientError(d.CapabilityType, capability.LevelAdmin, tok.Level())
		return d
	}
	if reason := SuspiciousReason(d.Resource); reason != "" {
		d.Reason = "suspicious: " + reason
		if v.opts.SuspiciousIsBlocked {
			d.Outcome = Blocked
		} else {
			d.Outcome = Suspicious
		}
		return d
	}

	d.Outcome = Allowed
	return d
}

func (v *Validator) monitoringFor(capType string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.policyForLocked(capType).MonitoringLevel
}

// finish counts the outcome and records a violation for anything but ALLOWED.
func (v *Validator) finish(ctx context.Context, d Decision, c *capability.Context) {
	if d.Outcome == Allowed {
		v.mu.Lock()
		v.outcomes[Allowed]++
		v.mu.Unlock()
		if d.monitoring == MonitorVerbose {
			v.logger.DebugContext(ctx, "capability allowed",
				slog.String("type", d.CapabilityType),
				slog.String("resource", d.Resource),
				slog.String("operation", d.Operation),
				slog.Bool("cached", d.Cached),
			)
		}
		return
	}

	var contextID, location string
	if c != nil {
		contextID = c.ID()
		location = "context:" + c.Name()
	}
	viol := newViolation(d.Outcome, d.CapabilityType, d.Resource, d.Operation, d.Policy, contextID, location, d.Reason)

	v.mu.Lock()
	v.outcomes[d.Outcome]++
	v.violations.add(viol)
	v.mu.Unlock()

	if d.monitoring != MonitorSilent {
		v.logger.WarnContext(ctx, "capability violation",
			slog.String("outcome", d.Outcome.String()),
			slog.String("severity", viol.Severity.String()),
			slog.String("type", d.CapabilityType),
			slog.String("resource", d.Resource),
			slog.String("operation", d.Operation),
			slog.String("policy", d.Policy),
			slog.String("reason", d.Reason),
		)
	}
	if v.opts.Sink != nil {
		if err := v.opts.Sink.RecordViolation(ctx, viol); err != nil {
			v.logger.ErrorContext(ctx, "recording violation", slog.String("error", err.Error()))
		}
	}
}

// Authorize validates the request and, when permitted, consumes one unit of
// the token's quota. Denials wrap ErrPermissionDenied together with the
// underlying capability error when there is one.
func (v *Validator) Authorize(ctx context.Context, c *capability.Context, capType, resource, operation string) (Decision, error) {
	d := v.Validate(ctx, c, capType, resource, operation)
	if !d.Permitted() {
		if d.err != nil {
			return d, fmt.Errorf("%w: %s: %w", ErrPermissionDenied, d.Outcome, d.err)
		}
		return d, fmt.Errorf("%w: %s %s on %q: %s", ErrPermissionDenied, d.Outcome, operation, resource, d.Reason)
	}
	if err := c.Use(capType, resource, operation); err != nil {
		return d, err
	}
	return d, nil
}

// Violations returns the retained violation history, oldest first.
func (v *Validator) Violations() []Violation {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.violations.list()
}

// ClearViolations empties the violation history.
func (v *Validator) ClearViolations() {
	v.mu.Lock()
	v.violations.clear()
	v.mu.Unlock()
}

// InvalidateCache drops every cached decision.
func (v *Validator) InvalidateCache() { v.cache.Purge() }

// Stats returns a snapshot of cache and outcome counters.
func (v *Validator) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := Stats{
		CacheHits:   v.hits.Load(),
		CacheMisses: v.misses.Load(),
		Outcomes:    make(map[string]int64, len(v.outcomes)),
		Violations:  v.violations.n,
		Policies:    len(v.policies),
	}
	for o, n := range v.outcomes {
		s.Outcomes[o.String()] = n
	}
	return s
}
