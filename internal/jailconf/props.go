package jailconf

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"zjm/internal/errs"
)

type RuleKind int

const (
	Freeform RuleKind = iota
	Enum
	// ZFSDelegate properties are written to the jail dataset, not config.json.
	ZFSDelegate
	ReadOnly
)

type Rule struct {
	Kind   RuleKind
	Values []string
	// Check validates and may normalize the value.
	Check func(key, value string) (string, error)
}

func enum(values ...string) Rule { return Rule{Kind: Enum, Values: values} }
func freeform() Rule              { return Rule{Kind: Freeform} }
func checked(fn func(key, value string) (string, error)) Rule {
	return Rule{Kind: Freeform, Check: fn}
}
func zfsDelegate(fn func(key, value string) (string, error)) Rule {
	return Rule{Kind: ZFSDelegate, Check: fn}
}

type Mode int

const (
	// ModeUser rejects keys missing from the table.
	ModeUser Mode = iota
	// ModeInternal lets unknown keys through for forward compatibility.
	ModeInternal
)

var (
	binary    = enum("0", "1")
	onOff     = enum("off", "on")
	yesNo     = enum("no", "yes")
	sysv      = enum("new", "inherit", "disable")
	ipMode    = enum("new", "inherit", "none")
	macRegex  = regexp.MustCompile(`^(?:[0-9a-f]{2}(?::[0-9a-f]{2}){5}|[0-9a-f]{2}(?:-[0-9a-f]{2}){5}|[0-9a-f]{12})$`)
	macPrefix = regexp.MustCompile(`^[0-9a-f]{6}$`)
	sizeRe    = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?[KMGT]$`)
)

// Table maps every user-settable key to its rule.
var Table = map[string]Rule{
	"interfaces":             checked(checkInterfaces),
	"host_domainname":        freeform(),
	"host_hostname":          freeform(),
	"exec_fib":               freeform(),
	"ip4_addr":               freeform(),
	"ip4_saddrsel":           binary,
	"ip4":                    ipMode,
	"ip6_addr":               freeform(),
	"ip6_saddrsel":           binary,
	"ip6":                    ipMode,
	"defaultrouter":          freeform(),
	"defaultrouter6":         freeform(),
	"resolver":               freeform(),
	"mac_prefix":             checked(checkMACPrefix),
	"vnet0_mac":              checked(checkMACPair),
	"vnet1_mac":              checked(checkMACPair),
	"vnet2_mac":              checked(checkMACPair),
	"vnet3_mac":              checked(checkMACPair),
	"devfs_ruleset":          freeform(),
	"exec_start":             freeform(),
	"exec_stop":              freeform(),
	"exec_prestart":          freeform(),
	"exec_poststart":         freeform(),
	"exec_prestop":           freeform(),
	"exec_poststop":          freeform(),
	"exec_clean":             binary,
	"exec_timeout":           freeform(),
	"stop_timeout":           freeform(),
	"exec_jail_user":         freeform(),
	"exec_system_jail_user":  freeform(),
	"exec_system_user":       freeform(),
	"mount_devfs":            binary,
	"mount_fdescfs":          binary,
	"enforce_statfs":         enum("0", "1", "2"),
	"children_max":           freeform(),
	"login_flags":            freeform(),
	"securelevel":            freeform(),
	"sysvmsg":                sysv,
	"sysvsem":                sysv,
	"sysvshm":                sysv,
	"allow_set_hostname":     binary,
	"allow_sysvipc":          binary,
	"allow_raw_sockets":      binary,
	"allow_chflags":          binary,
	"allow_mlock":            binary,
	"allow_mount":            binary,
	"allow_mount_devfs":      binary,
	"allow_mount_fusefs":     binary,
	"allow_mount_nullfs":     binary,
	"allow_mount_procfs":     binary,
	"allow_mount_tmpfs":      binary,
	"allow_mount_zfs":        binary,
	"allow_quotas":           binary,
	"allow_socket_af":        binary,
	"allow_tun":              binary,
	"vnet_interfaces":        freeform(),
	"bpf":                    yesNo,
	"dhcp":                   onOff,
	"boot":                   onOff,
	"notes":                  freeform(),
	"owner":                  freeform(),
	"priority":               checked(checkPriority),
	"hostid":                 freeform(),
	"hostid_strict_check":    onOff,
	"jail_zfs":               onOff,
	"jail_zfs_dataset":       freeform(),
	"jail_zfs_mountpoint":    freeform(),
	"mount_procfs":           binary,
	"mount_linprocfs":        binary,
	"vnet":                   onOff,
	"vnet_default_interface": freeform(),
	"template":               yesNo,
	"comment":                freeform(),
	"host_time":              yesNo,
	"depends":                freeform(),

	"compression":   zfsDelegate(nil),
	"dedup":         zfsDelegate(nil),
	"quota":         zfsDelegate(checkSize),
	"reservation":   zfsDelegate(checkSize),
	"origin":        {Kind: ReadOnly},
	"mountpoint":    {Kind: ReadOnly},
	"compressratio": {Kind: ReadOnly},
	"available":     {Kind: ReadOnly},
	"used":          {Kind: ReadOnly},
}

func init() {
	for _, key := range RCTLKeys {
		Table[key] = checked(checkRCTL)
	}
}

// IsZFSProperty reports whether key is stored on the dataset.
func IsZFSProperty(key string) bool {
	r, ok := Table[key]
	return ok && (r.Kind == ZFSDelegate || r.Kind == ReadOnly)
}

func invalid(key, value, detail string) error {
	return errs.New(errs.CodeInvalidPropertyValue, "%s is not a valid value for %s.\n%s", value, key, detail)
}

// Validate checks value for key and returns it, possibly normalized.
// Nothing is written; callers validate before any mutation.
func Validate(key, value string, mode Mode) (string, error) {
	rule, ok := Table[key]
	if !ok {
		if mode == ModeInternal {
			return value, nil
		}
		return "", errs.New(errs.CodeUnknownProperty, "%s cannot be changed by the user.", key)
	}

	switch rule.Kind {
	case ReadOnly:
		return "", errs.New(errs.CodeInvalidPropertyValue, "%s is a read-only property.", key)
	case Enum:
		for _, v := range rule.Values {
			if v == value {
				return value, nil
			}
		}
		return "", invalid(key, value, "Value must be "+strings.Join(rule.Values, " or "))
	}
	if rule.Check != nil {
		return rule.Check(key, value)
	}
	return value, nil
}

func checkInterfaces(key, value string) (string, error) {
	if value == "none" {
		return value, nil
	}
	for _, pair := range strings.Split(value, ",") {
		nic, bridge, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || nic == "" || bridge == "" {
			return "", invalid(key, value, "Interfaces must be specified as a pair.\nEXAMPLE: vnet0:bridge0, vnet1:bridge1")
		}
	}
	return value, nil
}

func checkMACPair(key, value string) (string, error) {
	if value == "" || value == "none" {
		return "none", nil
	}
	value = strings.ReplaceAll(value, ",", " ")
	macs := strings.Fields(value)
	if len(macs) != 2 || strings.EqualFold(macs[0], macs[1]) ||
		!macRegex.MatchString(strings.ToLower(macs[0])) || !macRegex.MatchString(strings.ToLower(macs[1])) {
		return "", errs.New(errs.CodeInvalidPropertyValue,
			"Please enter two valid and different space/comma-delimited MAC addresses for %s.", key)
	}
	return strings.Join(macs, " "), nil
}

// ValidMACPrefix reports whether prefix is the six hex digits VNET MACs
// start with.
func ValidMACPrefix(prefix string) bool {
	return macPrefix.MatchString(strings.ToLower(prefix))
}

func checkMACPrefix(key, value string) (string, error) {
	if !ValidMACPrefix(value) {
		return "", invalid(key, value, "Value must be six hexadecimal digits")
	}
	return strings.ToLower(value), nil
}

func checkPriority(key, value string) (string, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 || n > 99 {
		return "", invalid(key, value, "Value must be between 1 and 99")
	}
	return value, nil
}

func checkSize(key, value string) (string, error) {
	if value == "none" || sizeRe.MatchString(strings.ToUpper(value)) {
		return value, nil
	}
	return "", errs.New(errs.CodeInvalidPropertyValue, "%s should have a suffix ending in K, M, G, or T.", value)
}

func checkRCTL(key, value string) (string, error) {
	if value == "off" || value == "on" {
		return value, nil
	}
	amount, action, ok := strings.Cut(value, ":")
	if !ok || amount == "" || action == "" {
		return "", invalid(key, value, fmt.Sprintf("%s requires at minimum a pair.\nEXAMPLE: 8g:log", key))
	}
	return value, nil
}
