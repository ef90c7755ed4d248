package protocol

// Server-facing protocol. Every message starts with ServerHeader followed by
// a command frame.
const (
	ServerHeader = "SADA1"

	CmdIntroduce        = "INTR"  // recv: (serviceName, version)*
	CmdReverseIntroduce = "RINTR" // send: ask a server to introduce itself
	CmdPing             = "PING"  // send
	CmdPong             = "PONG"  // recv
	CmdRequest          = "REQ"   // send: id, name, version, category, action, payload
	CmdReply            = "REP"   // recv: id, status (int32 big-endian), payload
)

// Admin-facing protocol.
const (
	AdminHeader = "DST1"

	CmdSecurityHandshake = "SEC-REQ" // send once per session
	CmdHeartbeat         = "HLT"     // send: channel role
	CmdPolicyPush        = "PERMS"   // recv: (actionAddress, "/"-joined roles)*
)

// RoleSeparator joins the roles of a policy push entry.
const RoleSeparator = "/"
