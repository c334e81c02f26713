package server

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/keelhq/agentgate/storage"
)

// isLoopbackHost reports whether the host is a loopback address, where
// plain http redirect URIs are acceptable for native clients.
func isLoopbackHost(host string) bool {
	h := host
	if i := strings.LastIndex(h, ":"); i >= 0 && !strings.Contains(h, "]") {
		h = h[:i]
	}
	h = strings.Trim(h, "[]")
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}

// validateRedirectURIFormat checks a single redirect URI for registration.
// https is always allowed; http only on loopback hosts; custom schemes are
// allowed for native clients. Fragments are forbidden by RFC 6749.
func validateRedirectURIFormat(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect URI %q is not a valid URI", raw)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect URI %q must be absolute", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
	}
	if u.Scheme == "http" && !isLoopbackHost(u.Host) {
		return fmt.Errorf("redirect URI %q: http is only allowed for loopback hosts", raw)
	}
	return nil
}

// validateRedirectURI checks that the requested redirect URI exactly
// matches one registered for the client. No prefix or pattern matching.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect URI not registered for client")
}

// parseScopes splits a space-delimited scope string, dropping empty
// entries.
func parseScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	fields := strings.Fields(scope)
	return fields
}

// validateScopes checks every requested scope against the configured
// allowlist. An empty allowlist permits everything.
func (s *Server) validateScopes(scope string) error {
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	for _, requested := range parseScopes(scope) {
		supported := false
		for _, allowed := range s.Config.SupportedScopes {
			if requested == allowed {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("scope %q is not supported", requested)
		}
	}
	return nil
}

// scopesSubset reports whether every requested scope was originally
// granted. Used for scope narrowing on refresh.
func scopesSubset(requested, granted []string) bool {
	for _, r := range requested {
		found := false
		for _, g := range granted {
			if r == g {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
