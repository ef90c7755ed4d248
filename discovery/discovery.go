// Package discovery provides the membership collaborator: it announces this
// process and tells a Listener which peers join and leave.
package discovery

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rpc-gateway/config"
	"rpc-gateway/identity"
)

// Listener receives membership changes. Calls are made outside any
// discovery lock and may block briefly.
type Listener interface {
	Join(node identity.Node)
	Leave(node identity.Node)
}

// Session is a running membership session.
type Session interface {
	// NodeDisconnected reports a peer this process gave up on. The session
	// forgets it; it joins again only if the backend still announces it.
	NodeDisconnected(node identity.Node)
	// Stop withdraws this process and releases the session.
	Stop() error
}

// Discovery starts membership sessions.
type Discovery interface {
	Run(ctx context.Context, self identity.Node, l Listener) (Session, error)
}

// New builds the backend named by cfg.Backend.
func New(cfg config.DiscoveryConfig, log *zap.Logger) (Discovery, error) {
	switch cfg.Backend {
	case "etcd":
		return NewEtcd(cfg, log), nil
	case "memory":
		nodes := make([]identity.Node, 0, len(cfg.Static))
		for _, s := range cfg.Static {
			n, err := ParseNode(s)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
		}
		return NewHub(nodes...), nil
	default:
		return nil, fmt.Errorf("unknown discovery backend %q", cfg.Backend)
	}
}

// ParseNode parses "ROLE@ip:port".
func ParseNode(s string) (identity.Node, error) {
	role, addr, ok := strings.Cut(s, "@")
	if !ok || role == "" {
		return identity.Node{}, fmt.Errorf("invalid node %q: want ROLE@ip:port", s)
	}
	ip, port, err := identity.ParseServerID(addr)
	if err != nil {
		return identity.Node{}, err
	}
	return identity.NewNode(role, ip, port), nil
}
