package commands

import (
	"errors"
	"regexp"
	"strings"
)

const (
	maxArgs     = 8
	maxArgLen   = 255
	maxMatrixID = 255
)

var (
	commandName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,31}$`)
	localpart   = regexp.MustCompile(`^[A-Za-z0-9._=\-]+$`)
	domainPart  = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9.-]{0,251}[A-Za-z0-9])?$`)
)

var (
	errEmpty       = errors.New("empty command")
	errNotASCII    = errors.New("only printable ASCII is allowed")
	errLeadingWS   = errors.New("command must follow the prefix directly")
	errBadName     = errors.New("invalid command name")
	errTooManyArgs = errors.New("too many arguments")
	errBadArg      = errors.New("invalid argument")
	errUnbalanced  = errors.New("unbalanced quotes")
)

// printableASCII reports whether s holds only 0x20..0x7e (space allowed).
func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// parse splits a command payload (the text after the prefix) into a
// lowercased name and its arguments.
func parse(payload string) (string, []string, error) {
	if payload == "" {
		return "", nil, errEmpty
	}
	if !printableASCII(payload) {
		return "", nil, errNotASCII
	}
	if payload[0] == ' ' {
		return "", nil, errLeadingWS
	}
	name, rest, _ := strings.Cut(payload, " ")
	if !commandName.MatchString(name) {
		return "", nil, errBadName
	}
	args, err := splitArgs(rest)
	if err != nil {
		return "", nil, err
	}
	if len(args) > maxArgs {
		return "", nil, errTooManyArgs
	}
	for _, a := range args {
		if a == "" || len(a) > maxArgLen {
			return "", nil, errBadArg
		}
	}
	return strings.ToLower(name), args, nil
}

// splitArgs splits on spaces, honoring single and double quotes.
func splitArgs(s string) ([]string, error) {
	var (
		out     []string
		cur     strings.Builder
		quote   byte
		inToken bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '"' || c == '\'':
			quote = c
			inToken = true
		case c == ' ':
			if inToken {
				out = append(out, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteByte(c)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, errUnbalanced
	}
	if inToken {
		out = append(out, cur.String())
	}
	return out, nil
}

func validServer(server string) bool {
	host, port, hasPort := strings.Cut(server, ":")
	if hasPort {
		if port == "" || len(port) > 5 || strings.Trim(port, "0123456789") != "" {
			return false
		}
	}
	return domainPart.MatchString(host)
}

// ValidUserID accepts @localpart:server.
func ValidUserID(id string) bool {
	if len(id) > maxMatrixID || !strings.HasPrefix(id, "@") {
		return false
	}
	local, server, ok := strings.Cut(id[1:], ":")
	return ok && localpart.MatchString(local) && validServer(server)
}

// ValidRoomID accepts !opaque:server.
func ValidRoomID(id string) bool {
	if len(id) > maxMatrixID || !strings.HasPrefix(id, "!") {
		return false
	}
	opaque, server, ok := strings.Cut(id[1:], ":")
	return ok && localpart.MatchString(opaque) && validServer(server)
}

// ValidAlias accepts #localpart:server.
func ValidAlias(alias string) bool {
	if len(alias) > maxMatrixID || !strings.HasPrefix(alias, "#") {
		return false
	}
	local, server, ok := strings.Cut(alias[1:], ":")
	return ok && localpart.MatchString(local) && validServer(server)
}

// ExpandAlias turns the shorthand #name into #name:server.
func ExpandAlias(ref, server string) string {
	if strings.HasPrefix(ref, "#") && !strings.Contains(ref, ":") && server != "" {
		return ref + ":" + server
	}
	return ref
}

// validRoomRef accepts a room id or alias, and the #name shorthand when
// shorthand is set.
func validRoomRef(ref string, shorthand bool) bool {
	if shorthand && strings.HasPrefix(ref, "#") && !strings.Contains(ref, ":") {
		return len(ref) <= maxMatrixID && localpart.MatchString(ref[1:])
	}
	return ValidRoomID(ref) || ValidAlias(ref)
}
