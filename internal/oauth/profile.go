package oauth

import (
	"errors"
	"fmt"
	"strings"

	jmes "github.com/jmespath/go-jmespath"

	"tenantgate/internal/tenant"
)

// Profile is the gateway identity derived from a provider user document.
type Profile struct {
	Subject string
	Tenant  string
	Role    string
}

// Mapper extracts a Profile from provider userinfo JSON with JMESPath
// expressions, e.g. "sub", "app_metadata.tenant_id", "groups[0]".
type Mapper struct {
	subject     *jmes.JMESPath
	tenant      *jmes.JMESPath
	role        *jmes.JMESPath
	defaultRole string
}

func NewMapper(subjectPath, tenantPath, rolePath, defaultRole string) (*Mapper, error) {
	m := &Mapper{defaultRole: defaultRole}
	var err error
	if m.subject, err = compile("subject", subjectPath); err != nil {
		return nil, err
	}
	if m.tenant, err = compile("tenant", tenantPath); err != nil {
		return nil, err
	}
	if rolePath != "" {
		if m.role, err = compile("role", rolePath); err != nil {
			return nil, err
		}
	}
	if m.defaultRole == "" {
		m.defaultRole = "member"
	}
	return m, nil
}

func compile(name, expr string) (*jmes.JMESPath, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("oauth: %s path is required", name)
	}
	p, err := jmes.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("oauth: %s path %q: %w", name, expr, err)
	}
	return p, nil
}

// Map requires a subject and a well-formed tenant id.
func (m *Mapper) Map(doc any) (Profile, error) {
	var p Profile
	var err error
	if p.Subject, err = search(m.subject, doc); err != nil || p.Subject == "" {
		return Profile{}, errors.New("oauth: profile has no subject")
	}
	if p.Tenant, err = search(m.tenant, doc); err != nil || !tenant.Valid(p.Tenant) {
		return Profile{}, errors.New("oauth: profile has no valid tenant")
	}
	p.Role = m.defaultRole
	if m.role != nil {
		if r, err := search(m.role, doc); err == nil && r != "" {
			p.Role = r
		}
	}
	return p, nil
}

func search(p *jmes.JMESPath, doc any) (string, error) {
	v, err := p.Search(doc)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return strings.TrimSpace(s), nil
			}
		}
	case float64:
		return fmt.Sprintf("%.0f", t), nil
	}
	return "", nil
}
