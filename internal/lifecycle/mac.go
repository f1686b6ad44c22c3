package lifecycle

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"zjm/internal/errs"
	"zjm/internal/jailconf"
)

// MACPair derives the host and jail side MAC addresses of a VNET interface.
// The same id, nic and prefix always give the same pair. prefix must be six
// hex digits.
func MACPair(id, nic, prefix string) (string, string, error) {
	if !jailconf.ValidMACPrefix(prefix) {
		return "", "", errs.New(errs.CodeInvalidPropertyValue,
			"%s is not a valid value for mac_prefix.\nValue must be six hexadecimal digits", prefix)
	}
	sum := blake3.Sum256([]byte(id + nic))
	a := strings.ToLower(prefix) + hex.EncodeToString(sum[:])[:6]
	n, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return "", "", err
	}
	b := fmt.Sprintf("%012x", (n+1)&0xffffffffffff)
	return a, b, nil
}

// macFor returns the pair stored in <nic>_mac, deriving and storing it in
// cfg when there is none yet. A stored pair is never recomputed.
func macFor(cfg *jailconf.Config, nic string) (string, string, error) {
	key := nic + "_mac"
	v := cfg.Get(key)
	if v == "" || v == "none" {
		a, b, err := MACPair(cfg.ID(), nic, cfg.Get("mac_prefix"))
		if err != nil {
			return "", "", err
		}
		cfg.Set(key, a+" "+b)
		return a, b, nil
	}
	pair := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	if len(pair) != 2 {
		return "", "", errs.New(errs.CodeInvalidPropertyValue, "Please correct mac addresses format for %s: %q", nic, v)
	}
	return pair[0], pair[1], nil
}

// colons formats a bare 12 digit MAC for ifconfig(8).
func colons(mac string) string {
	if len(mac) != 12 || strings.Contains(mac, ":") {
		return mac
	}
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, mac[i:i+2])
	}
	return strings.Join(parts, ":")
}
