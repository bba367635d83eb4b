// Package config loads vdev's main INI configuration file (spec.md §3, §6)
// and generates the per-process instance nonce.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/jcnelson/vdev/internal/vdeverr"
)

// Quirk is a bitset of platform-specific behavior flags.
type Quirk uint32

const (
	// QuirkDeviceNodeExists marks a host (typically devtmpfs-backed) where
	// the kernel already creates device nodes; the materializer skips
	// mknod but still runs actions and writes metadata.
	QuirkDeviceNodeExists Quirk = 1 << iota
)

// Policy is the default ACL decision used when no rule applies.
type Policy int

const (
	PolicyDeny Policy = iota
	PolicyAllow
)

func (p Policy) String() string {
	if p == PolicyAllow {
		return "allow"
	}

	return "deny"
}

// Config is the parsed [vdev-config]/[vdev-OS] INI configuration plus the
// per-process instance nonce.
type Config struct {
	FirmwareDir string
	ACLsDir     string
	ActionsDir  string
	HelpersDir  string

	DefaultMode   uint32
	DefaultPolicy Policy

	PidfilePath string
	LogfilePath string // "syslog" diverts to syslog
	LogLevel    string

	Mountpoint string

	Once        bool
	Foreground  bool
	ColdplugOnly bool

	PreseedScript string
	IfnamesPath   string

	// OSParams carries every key in [vdev-OS], forwarded verbatim.
	OSParams map[string]string

	Quirks Quirk

	// Nonce is 32 random bytes generated fresh every process start,
	// printed as 64 hex digits.
	Nonce [32]byte
}

// NonceHex renders the instance nonce as 64 lowercase hex digits.
func (c *Config) NonceHex() string {
	return hex.EncodeToString(c.Nonce[:])
}

// HasQuirk reports whether q is set.
func (c *Config) HasQuirk(q Quirk) bool {
	return c.Quirks&q != 0
}

// Load parses the INI file at path into a Config, and generates a fresh
// instance nonce.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, vdeverr.New(vdeverr.IOError, err)
	}

	c := &Config{
		DefaultMode:   0666,
		DefaultPolicy: PolicyDeny,
		LogLevel:      "info",
		OSParams:      make(map[string]string),
	}

	if f.HasSection("vdev-config") {
		sec := f.Section("vdev-config")

		c.FirmwareDir = sec.Key("firmware").String()
		c.ACLsDir = sec.Key("acls").String()
		c.ActionsDir = sec.Key("actions").String()
		c.HelpersDir = sec.Key("helpers").String()
		c.PidfilePath = sec.Key("pidfile").String()
		c.LogfilePath = sec.Key("logfile").String()
		c.Mountpoint = sec.Key("mountpoint").String()
		c.PreseedScript = sec.Key("preseed").String()
		c.IfnamesPath = sec.Key("ifnames").String()

		if lvl := sec.Key("loglevel").String(); lvl != "" {
			c.LogLevel = lvl
		}

		if perm := sec.Key("default_permissions").String(); perm != "" {
			mode, err := strconv.ParseUint(perm, 8, 32)
			if err != nil {
				return nil, vdeverr.Newf(vdeverr.ParseError, "default_permissions %q: %s", perm, err)
			}

			c.DefaultMode = uint32(mode) & 0777
		}

		switch sec.Key("default_policy").String() {
		case "", "deny":
			c.DefaultPolicy = PolicyDeny
		case "allow":
			c.DefaultPolicy = PolicyAllow
		default:
			return nil, vdeverr.Newf(vdeverr.ParseError, "unrecognized default_policy %q", sec.Key("default_policy").String())
		}

		c.ColdplugOnly, _ = sec.Key("coldplug_only").Bool()
		c.Once, _ = sec.Key("once").Bool()
	}

	if f.HasSection("vdev-OS") {
		for _, key := range f.Section("vdev-OS").Keys() {
			c.OSParams[key.Name()] = key.Value()
		}
	}

	if err := generateNonce(c); err != nil {
		return nil, err
	}

	return c, nil
}

func generateNonce(c *Config) error {
	if _, err := rand.Read(c.Nonce[:]); err != nil {
		return vdeverr.New(vdeverr.IOError, err)
	}

	return nil
}
