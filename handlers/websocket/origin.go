package websocket

import (
	"net"
	"net/http"
	"net/url"
)

// allowOrigin accepts same-host requests, loopback development origins and
// the desktop shell, mirroring the socket.io CORS policy.
func allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "tauri://localhost" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := u.Hostname()
	if originHost == hostOnly(r.Host) {
		return true
	}
	if originHost == "localhost" {
		return true
	}
	ip := net.ParseIP(originHost)
	return ip != nil && ip.IsLoopback()
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
