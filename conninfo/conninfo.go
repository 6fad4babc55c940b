// Package conninfo parses and builds PostgreSQL connection strings: the
// libpq keyword=value form, the postgresql:// URI form, environment
// variable fallbacks (PGHOST, PGUSER, ...), and the ~/.pgpass and
// ~/.pg_service.conf resolution chain, matching the conninfo handling
// psycopg's conninfo.py performs before a connection is ever opened.
package conninfo

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgservicefile"
)

// Info is a fully-resolved set of connection parameters, after DSN
// parsing, environment fallback, and pgservice/pgpass resolution.
type Info struct {
	Host     string
	Port     uint16
	Database string
	User     string
	Password string
	Params   map[string]string // everything else: sslmode, application_name, ...
}

// defaultParams mirrors libpq's built-in defaults for the handful of
// settings a client always wants a value for.
var defaultParams = map[string]string{
	"sslmode": "prefer",
}

// envFallback maps a keyword to the PG* environment variable libpq
// consults when it isn't given explicitly.
var envFallback = map[string]string{
	"host":     "PGHOST",
	"port":     "PGPORT",
	"dbname":   "PGDATABASE",
	"user":     "PGUSER",
	"password": "PGPASSWORD",
	"sslmode":  "PGSSLMODE",
	"service":  "PGSERVICE",
}

// Parse accepts either a libpq keyword=value string or a postgresql://
// URI and returns its resolved Info, applying PG* environment variables
// for anything not given explicitly, then a pg_service.conf lookup if
// "service" was set, then a ~/.pgpass lookup if no password is known yet.
func Parse(dsn string) (*Info, error) {
	var kv map[string]string
	var err error
	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		kv, err = parseURI(dsn)
	} else {
		kv, err = parseKeywordValue(dsn)
	}
	if err != nil {
		return nil, err
	}

	applyEnvFallback(kv)

	if svc, ok := kv["service"]; ok && svc != "" {
		if err := applyServiceFile(kv, svc); err != nil {
			return nil, err
		}
	}

	for k, v := range defaultParams {
		if _, ok := kv[k]; !ok {
			kv[k] = v
		}
	}

	info := &Info{
		Host:     kv["host"],
		Database: kv["dbname"],
		User:     kv["user"],
		Password: kv["password"],
		Params:   map[string]string{},
	}
	if info.Host == "" {
		info.Host = "localhost"
	}
	if info.User == "" {
		info.User = currentOSUser()
	}
	if info.Database == "" {
		info.Database = info.User
	}
	if p, ok := kv["port"]; ok && p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("conninfo: invalid port %q: %w", p, err)
		}
		info.Port = uint16(n)
	} else {
		info.Port = 5432
	}
	for k, v := range kv {
		switch k {
		case "host", "port", "dbname", "user", "password", "service":
		default:
			info.Params[k] = v
		}
	}

	if info.Password == "" {
		if pw, ok := lookupPgpass(info.Host, info.Port, info.Database, info.User); ok {
			info.Password = pw
		}
	}
	return info, nil
}

var kvPairRegex = regexp.MustCompile(`(\w+)\s*=\s*('(?:[^'\\]|\\.)*'|\S+)`)

func parseKeywordValue(dsn string) (map[string]string, error) {
	out := map[string]string{}
	for _, m := range kvPairRegex.FindAllStringSubmatch(dsn, -1) {
		key, val := m[1], m[2]
		if len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'' {
			val = strings.ReplaceAll(val[1:len(val)-1], `\'`, `'`)
			val = strings.ReplaceAll(val, `\\`, `\`)
		}
		out[normalizeKeyword(key)] = val
	}
	return out, nil
}

func parseURI(dsn string) (map[string]string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("conninfo: invalid URI: %w", err)
	}
	out := map[string]string{}
	if u.User != nil {
		out["user"] = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			out["password"] = pw
		}
	}
	host, port := u.Hostname(), u.Port()
	if host != "" {
		out["host"] = host
	}
	if port != "" {
		out["port"] = port
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		out["dbname"] = db
	}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			out[normalizeKeyword(k)] = vs[0]
		}
	}
	return out, nil
}

func normalizeKeyword(k string) string {
	if k == "database" {
		return "dbname"
	}
	return k
}

func applyEnvFallback(kv map[string]string) {
	for keyword, envVar := range envFallback {
		if _, ok := kv[keyword]; ok {
			continue
		}
		if v, ok := os.LookupEnv(envVar); ok && v != "" {
			kv[keyword] = v
		}
	}
}

func applyServiceFile(kv map[string]string, serviceName string) error {
	path := os.Getenv("PGSERVICEFILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".pg_service.conf")
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	sf, err := pgservicefile.ReadServicefile(path)
	if err != nil {
		return fmt.Errorf("conninfo: reading service file: %w", err)
	}
	svc, err := sf.GetService(serviceName)
	if err != nil {
		return fmt.Errorf("conninfo: service %q not found: %w", serviceName, err)
	}
	for k, v := range svc.Settings {
		if _, ok := kv[normalizeKeyword(k)]; !ok {
			kv[normalizeKeyword(k)] = v
		}
	}
	return nil
}

func lookupPgpass(host string, port uint16, database, user string) (string, bool) {
	path := os.Getenv("PGPASSFILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false
		}
		path = filepath.Join(home, ".pgpass")
	}
	pf, err := pgpassfile.ReadPassfile(path)
	if err != nil {
		return "", false
	}
	entry := pf.FindEntry(host, strconv.Itoa(int(port)), database, user)
	if entry == nil {
		return "", false
	}
	return entry.Password, true
}

func currentOSUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	if v := os.Getenv("USERNAME"); v != "" {
		return v
	}
	return "postgres"
}

// BuildDSN renders Info back into a libpq keyword=value string, quoting
// any value containing whitespace or a single quote, with keys emitted
// in a stable (sorted) order so the output is deterministic for tests
// and logs.
func BuildDSN(info *Info) string {
	kv := map[string]string{
		"host":   info.Host,
		"port":   strconv.Itoa(int(info.Port)),
		"dbname": info.Database,
		"user":   info.User,
	}
	if info.Password != "" {
		kv["password"] = info.Password
	}
	for k, v := range info.Params {
		kv[k] = v
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quoteDSNValue(kv[k]))
	}
	return b.String()
}

func quoteDSNValue(v string) string {
	if v == "" || strings.ContainsAny(v, " '\\") {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `'`, `\'`)
		return "'" + v + "'"
	}
	return v
}

// Hostport is a convenience for dialing: "host:port" with IPv6 literals
// bracketed correctly.
func Hostport(info *Info) string {
	return net.JoinHostPort(info.Host, strconv.Itoa(int(info.Port)))
}
