package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"dispatch-gateway/dispatch/domain"
)

type TenantFunc func(r *http.Request) domain.Tenant

// HeaderTenant identifica o tenant pelo header informado, em minúsculas (as
// chaves de tenant_limits também chegam assim). Credenciais
// ("Authorization: Bearer ...") viram uma impressão digital, nunca o valor.
// Sem o header, cai no IP do cliente.
func HeaderTenant(header string, trustXFF bool) TenantFunc {
	return func(r *http.Request) domain.Tenant {
		if header != "" {
			if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
				if tok, ok := cutBearer(v); ok {
					return fingerprint(tok)
				}
				return domain.Tenant(strings.ToLower(v))
			}
		}
		return clientIP(r, trustXFF)
	}
}

func cutBearer(v string) (string, bool) {
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(v[7:])
	return tok, tok != ""
}

func fingerprint(secret string) domain.Tenant {
	sum := sha256.Sum256([]byte(secret))
	return domain.Tenant("key:" + hex.EncodeToString(sum[:6]))
}

func clientIP(r *http.Request, trustXFF bool) domain.Tenant {
	if trustXFF {
		// primeiro IP do X-Forwarded-For é o cliente original
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return domain.Tenant("ip:" + ip)
		}
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return domain.Tenant("ip:" + host)
	}
	if addr != "" {
		return domain.Tenant("ip:" + addr)
	}
	return domain.AnonymousTenant
}
