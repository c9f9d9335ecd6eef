package util

import "net"

// IsLoopbackHost reports whether host names the local machine: "localhost",
// any address in 127.0.0.0/8 or ::1. A port and IPv6 brackets are ignored,
// so both url.URL.Host and url.URL.Hostname() values are accepted.
// 0.0.0.0 is unspecified, not loopback.
func IsLoopbackHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if len(host) > 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
