package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// enforceOrigin applies the allowlist before the upgrade. websocket.Accept
// runs its own host check afterwards against originPatterns.
func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatternsFor derives websocket.AcceptOptions.OriginPatterns from the
// allowlist so both checks agree.
func originPatternsFor(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
