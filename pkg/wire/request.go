package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Request grammar carried in REQ payloads:
//
//	GET /<name>           initial fetch
//	RESEND <seq>[,<seq>]  selective retransmit, recognised by prefix
const (
	getPrefix    = "GET /"
	resendPrefix = "RESEND "
)

// FormatGet builds the payload of an initial fetch request.
func FormatGet(name string) []byte {
	return []byte(getPrefix + name)
}

// ParseGet extracts the requested name from a REQ payload. It returns false
// for payloads that are not fetch requests.
func ParseGet(payload []byte) (string, bool) {
	s := strings.TrimRight(string(payload), "\n")
	if !strings.HasPrefix(s, getPrefix) {
		return "", false
	}
	return s[len(getPrefix):], true
}

// FormatResend builds the payload of a selective retransmit request.
func FormatResend(seqs []uint32) []byte {
	parts := make([]string, len(seqs))
	for i, s := range seqs {
		parts[i] = strconv.FormatUint(uint64(s), 10)
	}
	return []byte(resendPrefix + strings.Join(parts, ","))
}

// ParseResend extracts the sequence list from a RESEND payload. It returns
// false for payloads that are not retransmit requests, and an error for
// malformed sequence lists.
func ParseResend(payload []byte) ([]uint32, bool, error) {
	s := strings.TrimLeft(string(payload), " \t")
	if !strings.HasPrefix(s, resendPrefix) {
		return nil, false, nil
	}
	list := strings.TrimSpace(s[len(resendPrefix):])
	if list == "" {
		return nil, true, fmt.Errorf("empty RESEND list")
	}
	parts := strings.Split(list, ",")
	seqs := make([]uint32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, true, fmt.Errorf("invalid RESEND seq %q: %v", p, err)
		}
		seqs = append(seqs, uint32(n))
	}
	return seqs, true, nil
}
