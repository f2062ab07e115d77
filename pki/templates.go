package pki

import (
	"crypto/x509"
	"fmt"
	"regexp"
	"strings"
)

// Template constrains issuance under a named profile.
type Template struct {
	Name string `yaml:"name"`
	// IssuerID, when set, is the only issuer the template may be used with.
	IssuerID string `yaml:"issuer_id"`
	// CommonNamePattern and SANPattern must match the whole value.
	CommonNamePattern string   `yaml:"common_name_pattern"`
	SANPattern        string   `yaml:"san_pattern"`
	MaxValidityDays   int      `yaml:"max_validity_days"`
	ExtKeyUsage       []string `yaml:"ext_key_usage"`
}

type compiledTemplate struct {
	Template
	cn  *regexp.Regexp
	san *regexp.Regexp
	eku []x509.ExtKeyUsage
}

func compileTemplates(templates []Template) (map[string]*compiledTemplate, error) {
	out := make(map[string]*compiledTemplate, len(templates))
	for _, t := range templates {
		if t.Name == "" {
			return nil, fmt.Errorf("template without a name")
		}
		if _, dup := out[t.Name]; dup {
			return nil, fmt.Errorf("duplicate template %q", t.Name)
		}
		if t.MaxValidityDays < 0 {
			return nil, fmt.Errorf("template %q: negative max validity", t.Name)
		}
		ct := &compiledTemplate{Template: t}
		var err error
		if ct.cn, err = compileAnchored(t.CommonNamePattern); err != nil {
			return nil, fmt.Errorf("template %q: common name pattern: %w", t.Name, err)
		}
		if ct.san, err = compileAnchored(t.SANPattern); err != nil {
			return nil, fmt.Errorf("template %q: SAN pattern: %w", t.Name, err)
		}
		for _, name := range t.ExtKeyUsage {
			eku, err := ParseExtKeyUsage(name)
			if err != nil {
				return nil, fmt.Errorf("template %q: %w", t.Name, err)
			}
			ct.eku = append(ct.eku, eku)
		}
		out[t.Name] = ct
	}
	return out, nil
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile("^(?:" + pattern + ")$")
}

// check validates in against the template and fills template defaults.
func (t *compiledTemplate) check(in *issueInput, validityDays int) error {
	if in.certType == CertTypeRoot {
		return fmt.Errorf("%w: template %q cannot be used for root certificates", ErrValidation, t.Name)
	}
	if t.IssuerID != "" && t.IssuerID != in.issuerID {
		return fmt.Errorf("%w: template %q is bound to issuer %s", ErrValidation, t.Name, t.IssuerID)
	}
	if t.MaxValidityDays > 0 && validityDays > t.MaxValidityDays {
		return fmt.Errorf("%w: template %q allows at most %d days", ErrValidation, t.Name, t.MaxValidityDays)
	}
	if t.cn != nil && !t.cn.MatchString(in.subject.CommonName) {
		return fmt.Errorf("%w: common name %q does not match template %q", ErrValidation, in.subject.CommonName, t.Name)
	}
	if t.san != nil {
		for _, san := range in.sanValues() {
			if !t.san.MatchString(san) {
				return fmt.Errorf("%w: subject alternative name %q does not match template %q", ErrValidation, san, t.Name)
			}
		}
	}
	if len(in.extKeyUsage) == 0 && in.certType == CertTypeEndEntity {
		in.extKeyUsage = t.eku
	}
	return nil
}

var extKeyUsageNames = map[string]x509.ExtKeyUsage{
	"any":             x509.ExtKeyUsageAny,
	"serverauth":      x509.ExtKeyUsageServerAuth,
	"clientauth":      x509.ExtKeyUsageClientAuth,
	"codesigning":     x509.ExtKeyUsageCodeSigning,
	"emailprotection": x509.ExtKeyUsageEmailProtection,
	"timestamping":    x509.ExtKeyUsageTimeStamping,
	"ocspsigning":     x509.ExtKeyUsageOCSPSigning,
}

// ParseExtKeyUsage maps an RFC 5280 key purpose name (e.g. "serverAuth")
// to its x509 value.
func ParseExtKeyUsage(name string) (x509.ExtKeyUsage, error) {
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(name))
	eku, ok := extKeyUsageNames[key]
	if !ok {
		return 0, fmt.Errorf("%w: unknown extended key usage %q", ErrValidation, name)
	}
	return eku, nil
}
