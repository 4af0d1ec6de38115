package domains

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Resolver is the subset of DNS lookups verification needs. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
}

// DNSVerifier checks domain ownership via a TXT challenge record or a CNAME
// pointing at the platform edge.
type DNSVerifier struct {
	resolver       Resolver
	challengeLabel string
	cnameTarget    string
}

// NewDNSVerifier constructs a verifier. challengeLabel is the record prefix
// (for example "_skiff-challenge") and cnameTarget the edge hostname a CNAME
// may point at instead.
func NewDNSVerifier(resolver Resolver, challengeLabel, cnameTarget string) DNSVerifier {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return DNSVerifier{resolver: resolver, challengeLabel: challengeLabel, cnameTarget: cnameTarget}
}

// Verify reports whether the hostname proves ownership with the given token.
// Either a TXT record "skiff-verify=<token>" at the challenge label or a
// CNAME to the edge target passes.
func (v DNSVerifier) Verify(ctx context.Context, hostname, token string) (bool, error) {
	challenge := v.challengeLabel + "." + hostname
	records, txtErr := v.resolver.LookupTXT(ctx, challenge)
	for _, record := range records {
		if strings.TrimSpace(record) == "skiff-verify="+token {
			return true, nil
		}
	}

	if v.cnameTarget != "" {
		cname, err := v.resolver.LookupCNAME(ctx, hostname)
		if err == nil {
			cname = strings.TrimSuffix(strings.ToLower(cname), ".")
			target := strings.TrimSuffix(strings.ToLower(v.cnameTarget), ".")
			if cname == target || strings.HasSuffix(cname, "."+target) {
				return true, nil
			}
		}
	}

	if txtErr != nil {
		var dnsErr *net.DNSError
		if errors.As(txtErr, &dnsErr) && dnsErr.IsNotFound {
			return false, nil
		}
		return false, fmt.Errorf("lookup %s: %w", challenge, txtErr)
	}
	return false, nil
}
