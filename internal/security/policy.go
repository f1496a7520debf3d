package security

import (
	"fmt"
	"regexp"
	"strings"
)

// Policy binds capability types to resource rules.
//
// Deny-first evaluation: BlockPatterns are checked first; any match blocks.
// Then AllowPatterns; if non-empty and nothing matches, the request is
// blocked. Empty AllowPatterns allows everything not blocked.
type Policy struct {
	Name               string   `json:"name" yaml:"name"`
	CapabilityTypes    []string `json:"capability_types" yaml:"capability_types"`
	AllowPatterns      []string `json:"allow_patterns,omitempty" yaml:"allow_patterns,omitempty"`
	BlockPatterns      []string `json:"block_patterns,omitempty" yaml:"block_patterns,omitempty"`
	UsageCeiling       *int     `json:"usage_ceiling,omitempty" yaml:"usage_ceiling,omitempty"`
	MonitoringLevel    string   `json:"monitoring_level,omitempty" yaml:"monitoring_level,omitempty"`
	ElevatedOperations []string `json:"elevated_operations,omitempty" yaml:"elevated_operations,omitempty"`
	// BlockPrivateAddresses parses the host part of the resource as an IP
	// and blocks loopback, private and link-local addresses in any notation.
	BlockPrivateAddresses bool `json:"block_private_addresses,omitempty" yaml:"block_private_addresses,omitempty"`
}

// GenericPolicyName names the fallback policy applied to capability types
// no registered policy claims.
const GenericPolicyName = "generic"

// compiledPolicy is a Policy with its patterns compiled at registration.
type compiledPolicy struct {
	Policy
	allow []*regexp.Regexp
	block []*regexp.Regexp
}

func compilePolicy(p Policy) (*compiledPolicy, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if p.UsageCeiling != nil && *p.UsageCeiling < 0 {
		return nil, fmt.Errorf("%w: policy %q: negative usage ceiling", ErrInvalidPolicy, p.Name)
	}
	switch p.MonitoringLevel {
	case "":
		p.MonitoringLevel = MonitorStandard
	case MonitorSilent, MonitorStandard, MonitorVerbose:
	default:
		return nil, fmt.Errorf("%w: policy %q: unknown monitoring level %q", ErrInvalidPolicy, p.Name, p.MonitoringLevel)
	}

	cp := &compiledPolicy{Policy: p}
	var err error
	if cp.allow, err = compileAll(p.Name, p.AllowPatterns); err != nil {
		return nil, err
	}
	if cp.block, err = compileAll(p.Name, p.BlockPatterns); err != nil {
		return nil, err
	}
	return cp, nil
}

func compileAll(policy string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: policy %q: pattern %q: %v", ErrInvalidPolicy, policy, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// blockedBy returns the first block pattern matching resource, or "".
func (p *compiledPolicy) blockedBy(resource string) string {
	for _, re := range p.block {
		if re.MatchString(resource) {
			return re.String()
		}
	}
	if p.BlockPrivateAddresses {
		if host := hostOf(resource); host != "" && IsPrivateHost(host) {
			return "private address " + host
		}
	}
	return ""
}

// allows reports whether resource passes the allow list.
func (p *compiledPolicy) allows(resource string) bool {
	if len(p.allow) == 0 {
		return true
	}
	for _, re := range p.allow {
		if re.MatchString(resource) {
			return true
		}
	}
	return false
}

func (p *compiledPolicy) elevated(op string) bool {
	for _, e := range p.ElevatedOperations {
		if e == op {
			return true
		}
	}
	return false
}

// DefaultPolicies returns the built-in policies for the file, network,
// process and env capability types plus the generic fallback.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name:            "file",
			CapabilityTypes: []string{"file"},
			BlockPatterns: []string{
				`\.\.[/\\]`,
				`(?i)%2e%2e`,
				`^/etc/(shadow|gshadow|passwd|sudoers)`,
				`^/(proc|sys|dev)(/|$)`,
				`(^|/)\.ssh(/|$)`,
				`^~/\.ssh`,
				`id_(rsa|dsa|ecdsa|ed25519)`,
			},
			ElevatedOperations: []string{"chmod", "chown"},
			MonitoringLevel:    MonitorStandard,
		},
		{
			Name:            "network",
			CapabilityTypes: []string{"network"},
			BlockPatterns: []string{
				`(?i)^(localhost|ip6-localhost)(:|$)`,
				`^127\.`,
				`^0\.0\.0\.0`,
				`^10\.`,
				`^172\.(1[6-9]|2[0-9]|3[01])\.`,
				`^192\.168\.`,
				`^169\.254\.`,
				`^\[::1?\]`,
				`(?i)^\[?f[cd][0-9a-f]{2}:`,
				`(?i)^metadata\.google\.internal`,
			},
			BlockPrivateAddresses: true,
			MonitoringLevel:       MonitorStandard,
		},
		{
			Name:            "process",
			CapabilityTypes: []string{"process"},
			BlockPatterns: []string{
				`;`,
				`&&`,
				`\|`,
				"`",
				`\$\(`,
				`(?i)\brm\s+-[a-z]*r[a-z]*f`,
				`(?i)\brm\s+-[a-z]*f[a-z]*r`,
				`>\s*/dev/sd`,
			},
			ElevatedOperations: []string{"kill"},
			MonitoringLevel:    MonitorStandard,
		},
		{
			Name:            "env",
			CapabilityTypes: []string{"env"},
			BlockPatterns:   []string{`^(` + strings.Join(quoteAll(InjectionVariables), "|") + `)$`, `^DYLD_`},
			MonitoringLevel: MonitorStandard,
		},
		genericPolicy(),
	}
}

func genericPolicy() Policy {
	return Policy{
		Name:            GenericPolicyName,
		BlockPatterns:   []string{`(^|[./:])__\w+__`},
		MonitoringLevel: MonitorStandard,
	}
}

// InjectionVariables are environment variables that enable dynamic-library
// injection or interpreter-level overrides in a child process.
var InjectionVariables = []string{
	"LD_PRELOAD",
	"LD_LIBRARY_PATH",
	"LD_AUDIT",
	"LD_DEBUG",
	"PYTHONPATH",
	"PYTHONSTARTUP",
	"PYTHONHOME",
	"PYTHONINSPECT",
	"PYTHONUSERBASE",
	"PERL5OPT",
	"PERL5LIB",
	"RUBYOPT",
	"RUBYLIB",
	"NODE_OPTIONS",
	"NODE_PATH",
	"BASH_ENV",
	"ENV",
	"IFS",
	"CDPATH",
	"GLOBIGNORE",
	"SHELLOPTS",
	"PS4",
}

// IsInjectionVariable reports whether name must be stripped from a hardened
// environment.
func IsInjectionVariable(name string) bool {
	if strings.HasPrefix(name, "DYLD_") || strings.HasPrefix(name, "BASH_FUNC_") {
		return true
	}
	for _, v := range InjectionVariables {
		if v == name {
			return true
		}
	}
	return false
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = regexp.QuoteMeta(s)
	}
	return out
}
