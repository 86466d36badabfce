package guestagent

import "regexp"

// bufB64Pattern matches the buf-b64 field of file-read/file-write
// requests and responses, so logging never spills raw file contents —
// the same care the original takes in a commented-out debug print in
// libvirt_qemu_ga_utils.py ("buf-b64":".*" -> "buf-b64":"...").
var bufB64Pattern = regexp.MustCompile(`"buf-b64":"[^"]*"`)

// redact returns a copy of a JSON payload with any buf-b64 field elided,
// safe to pass to a debug logger.
func redact(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}

	return bufB64Pattern.ReplaceAllString(string(payload), `"buf-b64":"<elided>"`)
}
