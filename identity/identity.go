// Package identity defines peer identities and the identifier formats shared by
// the gateway components.
//
//	serverId       = <ip>:<port>
//	serviceId      = <name>-<version>
//	permission key = <serviceId>/<category>/<action>
package identity

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Discovery roles.
const (
	ChannelRole = "CHANNEL"       // this process, a client of the backends
	ServerRole  = "SERVER"        // backend hosting one or more services
	AdminRole   = "ADMINISTRATOR" // policy source pushing permissions
)

// Node identifies any peer: server, admin, or self. It is a value type and
// is never mutated after construction.
type Node struct {
	Role string `json:"role"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// NewNode builds a Node.
func NewNode(role, ip string, port int) Node {
	return Node{Role: role, IP: ip, Port: port}
}

// ID returns the transport identity of the node, "<ip>:<port>". IPv6
// addresses are not bracketed; use Addr to dial.
func (n Node) ID() string {
	return ServerID(n.IP, n.Port)
}

func (n Node) String() string {
	return n.Role + "@" + n.ID()
}

// Addr returns the dialable address of the node.
func (n Node) Addr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

// ServerID composes a server identity by plain concatenation, the way every
// peer computes it.
func ServerID(ip string, port int) string {
	return ip + ":" + strconv.Itoa(port)
}

// ParseServerID splits a server identity back into ip and port. The port is
// after the last colon; a bracketed host ("[::1]:80") is accepted too.
func ParseServerID(id string) (string, int, error) {
	i := strings.LastIndexByte(id, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid server id %q: missing port", id)
	}
	port, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid server id %q: bad port", id)
	}
	host := strings.TrimSuffix(strings.TrimPrefix(id[:i], "["), "]")
	return host, port, nil
}

// ServiceID composes a service identity from name and version.
func ServiceID(name, version string) string {
	return name + "-" + version
}

// PermissionKey composes the action address used by the permission cache.
func PermissionKey(serviceID, category, action string) string {
	return serviceID + "/" + category + "/" + action
}
