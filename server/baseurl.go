package server

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ResolveBaseURL returns the scheme://host the browser used to reach us.
//
// A fixed external_base_url always wins. Otherwise host and scheme are taken,
// each independently, from the first source that has them: Forwarded
// (RFC 7239, first element), X-Forwarded-Host/-Proto/-Port, then Host. A
// missing scheme is http for loopback or unspecified hosts and https for
// everything else. With no
// usable header at all the listen address is used over plain http.
func ResolveBaseURL(cfg ServerConfig, r *http.Request) string {
	if cfg.ExternalBaseURL != "" && cfg.ExternalBaseURL != AutoBaseURL {
		return strings.TrimSuffix(cfg.ExternalBaseURL, "/")
	}

	type source struct{ host, proto string }
	var sources []source
	var forwardedPort string
	if cfg.TrustProxyHeaders {
		sources = append(sources, forwardedSource(r.Header.Get("Forwarded")))
		sources = append(sources, source{
			host:  firstValue(r.Header.Get("X-Forwarded-Host")),
			proto: firstValue(r.Header.Get("X-Forwarded-Proto")),
		})
		forwardedPort = firstValue(r.Header.Get("X-Forwarded-Port"))
	}
	sources = append(sources, source{host: strings.TrimSpace(r.Host)})

	var host, proto string
	for _, s := range sources {
		if host == "" {
			host = s.host
		}
		if proto == "" {
			proto = s.proto
		}
	}

	if host == "" {
		return "http://" + fallbackHost(cfg.ListenAddr)
	}
	if proto == "" {
		proto = "https"
		if isLoopback(host) {
			proto = "http"
		}
	}
	proto = strings.ToLower(proto)
	if forwardedPort != "" && !hasPort(host) && !isDefaultPort(proto, forwardedPort) {
		host = net.JoinHostPort(strings.Trim(host, "[]"), forwardedPort)
	}
	return proto + "://" + host
}

// forwardedSource reads host and proto from the first element of a
// Forwarded header.
func forwardedSource(header string) struct{ host, proto string } {
	var out struct{ host, proto string }
	if header == "" {
		return out
	}
	first, _, _ := strings.Cut(header, ",")
	for _, pair := range strings.Split(first, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.ToLower(key) {
		case "host":
			out.host = value
		case "proto":
			out.proto = value
		}
	}
	return out
}

func firstValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

func fallbackHost(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if port == "80" || port == "" {
		return host
	}
	return net.JoinHostPort(host, port)
}

func isLoopback(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}

func isDefaultPort(proto, port string) bool {
	return (proto == "http" && port == "80") || (proto == "https" && port == "443")
}

// RedirectURL joins a configured redirect URI onto base. Absolute URIs are
// returned unchanged.
func RedirectURL(base, redirectURI string) string {
	if u, err := url.Parse(redirectURI); err == nil && u.IsAbs() {
		return redirectURI
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(redirectURI, "/")
}

// safeReturnTo accepts only same-origin absolute paths.
func safeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return raw
}
