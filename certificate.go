package xfedmsg

import (
	"bufio"
	"encoding/base64"
	"os"
	"strings"
)

// pemMarker opens capture in LoadCertificate.
const pemMarker = "----"

const maxCertificateLine = 1 << 20

// LoadCertificate returns the certificate text from the file at path.
//
// Everything before the first line containing "----" is skipped (fedmsg .crt
// files start with a human readable dump). From that line on every line is
// kept through EOF, each terminated by "\n". Capture does not stop at the END
// marker, so trailing chain certificates or other content are included.
func LoadCertificate(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", ioError("load certificate", path, err)
	}
	defer f.Close()

	var sb strings.Builder
	capturing := false

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxCertificateLine)
	for sc.Scan() {
		line := sc.Text()
		if !capturing && strings.Contains(line, pemMarker) {
			capturing = true
		}
		if capturing {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return "", ioError("load certificate", path, err)
	}
	return sb.String(), nil
}

// EncodeCertificate base64-encodes certificate text for embedding in a
// SignedMessage.
func EncodeCertificate(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}
