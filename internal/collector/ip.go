package collector

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// 클라이언트 IP 추출 (로그 필드 전용)
//
// collector 는 로컬 개발용이지만 reverse proxy 뒤에서도 띄울 수 있으므로
// 프록시 헤더를 먼저 보고, 없으면 RemoteAddr 를 그대로 쓴다.
// 인증이나 rate limit 판단에는 사용하지 않는다.
// ------------------------------------------------------------

// isPublicIP:
//   - private / loopback / link-local 이 아닌 경우 true
//   - X-Forwarded-For 체인에서 내부 hop 을 건너뛰기 위해 필요
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return false
	}
	return true
}

func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// clientIP 우선순위:
//  1. X-Forwarded-For → 첫 번째 public IP
//  2. X-Real-IP
//  3. RemoteAddr (private/loopback 이어도 사용. 로컬 개발 환경)
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := safeParseIP(part); isPublicIP(ip) {
				return ip.String()
			}
		}
	}

	if ip := safeParseIP(r.Header.Get("X-Real-IP")); ip != nil {
		return ip.String()
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := safeParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}
