package types

import (
	"fmt"
	"net"
	"reflect"
	"strings"
)

func registerNetwork(r *Registry) {
	r.RegisterDumper(reflect.TypeOf(net.IP{}), DumperFunc{Fn: dumpInet, OIDValue: OIDInet})
	r.RegisterDumper(reflect.TypeOf(net.IPNet{}), DumperFunc{Fn: dumpCidr, OIDValue: OIDCidr})
	r.RegisterLoader(OIDInet, LoaderFunc(loadInet))
	r.RegisterLoader(OIDCidr, LoaderFunc(loadCidr))
}

func dumpInet(v any, _ Format) ([]byte, error) {
	ip, ok := v.(net.IP)
	if !ok {
		return nil, fmt.Errorf("types: dumpInet: not a net.IP: %T", v)
	}
	return []byte(ip.String()), nil
}

func loadInet(data []byte, _ Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	s := string(data)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("types: loadInet: invalid address %q", s)
	}
	return ip, nil
}

func dumpCidr(v any, _ Format) ([]byte, error) {
	n, ok := v.(net.IPNet)
	if !ok {
		return nil, fmt.Errorf("types: dumpCidr: not a net.IPNet: %T", v)
	}
	return []byte(n.String()), nil
}

func loadCidr(data []byte, _ Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	_, n, err := net.ParseCIDR(string(data))
	if err != nil {
		return nil, err
	}
	return *n, nil
}
