package tunnel

import "errors"

// Each acquisition stage fails with its own error class so operators can
// tell a DNS problem from a firewall problem from bad credentials.
var (
	ErrDNS         = errors.New("dns resolution failed")
	ErrUnreachable = errors.New("host unreachable")
	ErrHandshake   = errors.New("ssh handshake failed")
	ErrForward     = errors.New("port forward failed")
)
