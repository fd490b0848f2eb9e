package exterrors

import (
	"errors"
	"net"
)

// UnwrapDNSErr extracts the bare failure cause from a resolver error,
// without the "lookup <name> on <server>" prefix net.DNSError adds to
// Error(). misc carries the nameserver that was queried and a timeout
// marker when the query died waiting for an answer.
//
// For non-resolver errors the reason is empty and misc is non-nil, so
// the caller can extend it with its own values either way.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return "", map[string]interface{}{}
	}

	misc = map[string]interface{}{}
	if dnsErr.Server != "" {
		misc["dns_server"] = dnsErr.Server
	}
	if dnsErr.IsTimeout {
		misc["dns_timeout"] = true
	}
	return dnsErr.Err, misc
}
