package sshtransport

import (
	"fmt"
	"io"
	"regexp"
	"strings"
)

var versionRegexp = regexp.MustCompile(`^SSH-2.0-[a-zA-Z0-9]+(| [a-zA-Z0-9- _.]+)$`)

// Version is the identification string issued to the peer when connecting.
type Version string

// Validate checks if the version conforms to RFC 4253 section 4.2.
// See https://tools.ietf.org/html/rfc4253#page-4
func (v Version) Validate() error {
	if !versionRegexp.MatchString(string(v)) {
		return fmt.Errorf("invalid version string (%s), see https://tools.ietf.org/html/rfc4253#page-4 section 4.2. for details", v)
	}
	return nil
}

// String returns a string from the Version.
func (v Version) String() string {
	return string(v)
}

// maxVersionLineLength is the maximum length of an identification string
// including the trailing CR LF, per RFC 4253 section 4.2.
const maxVersionLineLength = 255

// maxBannerLines bounds the pre-version banner a server may send before its
// identification string.
const maxBannerLines = 1024

// exchangeVersions writes the local identification string and reads the
// remote one. Lines not starting with "SSH-" before the identification
// string are ignored on the client side (server pre-auth banner). Both raw
// identification strings (without CR LF) are returned as they feed the
// exchange hash.
func exchangeVersions(rw io.ReadWriter, local Version, role Role) (localID []byte, remoteID []byte, err error) {
	if _, err := rw.Write([]byte(local.String() + "\r\n")); err != nil {
		return nil, nil, fmt.Errorf("failed to send identification string (%w)", err)
	}
	for lines := 0; ; lines++ {
		if lines > maxBannerLines {
			return nil, nil, protocolError("no identification string received")
		}
		line, err := readVersionLine(rw)
		if err != nil {
			return nil, nil, err
		}
		if strings.HasPrefix(line, "SSH-") {
			remoteID = []byte(line)
			break
		}
		if role == RoleServer {
			// Clients must send their identification string first.
			return nil, nil, protocolError("unexpected data before identification string")
		}
	}
	if !strings.HasPrefix(string(remoteID), "SSH-2.0-") {
		return nil, nil, protocolError("unsupported protocol version: %s", remoteID)
	}
	return []byte(local.String()), remoteID, nil
}

// readVersionLine reads a single line byte by byte so no bytes of the first
// binary packet are consumed from the stream.
func readVersionLine(r io.Reader) (string, error) {
	var line []byte
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", fmt.Errorf("failed to read identification string (%w)", err)
		}
		if b[0] == '\n' {
			break
		}
		if len(line) >= maxVersionLineLength {
			return "", protocolError("identification string too long")
		}
		line = append(line, b[0])
	}
	return strings.TrimSuffix(string(line), "\r"), nil
}
