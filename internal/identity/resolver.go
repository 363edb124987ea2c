// Package identity works out who is asking for I/O quota over HTTP and at
// which priority.
package identity

import (
	"errors"
	"net"
	"net/http"
	"strings"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

const (
	KindClient = "client"
	KindIP     = "ip"
)

// Caller identifies the origin of an admission request.
type Caller struct {
	Kind  string
	ID    string
	Class types.Class
}

func (c Caller) Key() string {
	return c.Kind + ":" + c.ID
}

// Resolver reads the caller and its priority class from request headers.
type Resolver struct {
	ClientHeader   string
	PriorityHeader string
	IPHeader       string
	// ForegroundHeader is consulted when no priority header is set:
	// true maps to High, false to Low.
	ForegroundHeader string
}

func NewResolver() *Resolver {
	return &Resolver{
		ClientHeader:     "X-Client-Id",
		PriorityHeader:   "X-IO-Priority",
		IPHeader:         "X-Forwarded-For",
		ForegroundHeader: "X-IO-Foreground",
	}
}

// Resolve returns the caller in order client id -> forwarded ip -> remote
// ip. The class comes from the priority header, then the foreground header,
// and defaults to Normal.
func (r *Resolver) Resolve(req *http.Request) (Caller, error) {
	if req == nil {
		return Caller{}, errors.New("nil request")
	}
	class, err := r.class(req)
	if err != nil {
		return Caller{}, err
	}

	if id := strings.TrimSpace(req.Header.Get(r.ClientHeader)); id != "" {
		return Caller{Kind: KindClient, ID: id, Class: class}, nil
	}
	if ip := parseForwardedIP(req.Header.Get(r.IPHeader)); ip != "" {
		return Caller{Kind: KindIP, ID: ip, Class: class}, nil
	}
	if ip := parseRemoteIP(req.RemoteAddr); ip != "" {
		return Caller{Kind: KindIP, ID: ip, Class: class}, nil
	}
	return Caller{}, errors.New("no caller identity found")
}

func (r *Resolver) class(req *http.Request) (types.Class, error) {
	if v := strings.TrimSpace(req.Header.Get(r.PriorityHeader)); v != "" {
		return types.ParseClass(v)
	}
	switch strings.ToLower(strings.TrimSpace(req.Header.Get(r.ForegroundHeader))) {
	case "true", "1", "yes":
		return types.High, nil
	case "false", "0", "no":
		return types.Low, nil
	}
	return types.Normal, nil
}

func parseForwardedIP(value string) string {
	if value == "" {
		return ""
	}
	first, _, _ := strings.Cut(value, ",")
	return strings.TrimSpace(first)
}

func parseRemoteIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil && host != "" {
		return host
	}
	return remoteAddr
}
