package rules

import (
	"encoding/hex"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/jcnelson/vdev/internal/request"
	"github.com/jcnelson/vdev/internal/vdeverr"
)

var sha256Pattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// listRuleFiles returns the regular files directly under dir, in
// lexicographic order, skipping anything that is not a regular file.
func listRuleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, vdeverr.New(vdeverr.IOError, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}

		if !info.Mode().IsRegular() {
			continue
		}

		names = append(names, e.Name())
	}

	sort.Strings(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}

	return paths, nil
}

// scalarValue returns the single value of key in section, erroring if the
// key is repeated (two scalar lines for the same field is a parse error).
func scalarValue(section *ini.Section, key string) (string, error) {
	if !section.HasKey(key) {
		return "", nil
	}

	vals := section.Key(key).ValueWithShadows()
	if len(vals) > 1 {
		return "", vdeverr.Newf(vdeverr.ParseError, "field %q repeated", key)
	}

	return vals[0], nil
}

func resolveUID(s string) (int, error) {
	if s == "" {
		return 0, nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}

	u, err := user.Lookup(s)
	if err != nil {
		return 0, vdeverr.New(vdeverr.NotFound, err)
	}

	n, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, vdeverr.New(vdeverr.ParseError, err)
	}

	return n, nil
}

// verifyUIDExists confirms uid resolves in the system user database,
// regardless of whether it was given as a name or a decimal number.
func verifyUIDExists(uid int) error {
	if _, err := user.LookupId(strconv.Itoa(uid)); err != nil {
		return vdeverr.Newf(vdeverr.NotFound, "uid %d: %s", uid, err)
	}

	return nil
}

// verifyGIDExists confirms gid resolves in the system group database.
func verifyGIDExists(gid int) error {
	if _, err := user.LookupGroupId(strconv.Itoa(gid)); err != nil {
		return vdeverr.Newf(vdeverr.NotFound, "gid %d: %s", gid, err)
	}

	return nil
}

func resolveGID(s string) (int, error) {
	if s == "" {
		return 0, nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}

	g, err := user.LookupGroup(s)
	if err != nil {
		return 0, vdeverr.New(vdeverr.NotFound, err)
	}

	n, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, vdeverr.New(vdeverr.ParseError, err)
	}

	return n, nil
}

func compileDeviceRegex(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.CompilePOSIX(pattern)
	if err != nil {
		return nil, vdeverr.New(vdeverr.ParseError, err)
	}

	return re, nil
}

// LoadACLRules parses every regular file in dir as an INI file with a
// single [acl] section, in lexicographic filename order.
func LoadACLRules(dir string) ([]*ACLRule, error) {
	paths, err := listRuleFiles(dir)
	if err != nil {
		return nil, err
	}

	rulesOut := make([]*ACLRule, 0, len(paths))
	for _, path := range paths {
		r, err := loadOneACLFile(path)
		if err != nil {
			return nil, vdeverr.Newf(vdeverr.BadRule, "%s: %s", path, err)
		}

		if r != nil {
			rulesOut = append(rulesOut, r)
		}
	}

	return rulesOut, nil
}

func loadOneACLFile(path string) (*ACLRule, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, vdeverr.New(vdeverr.ParseError, err)
	}

	if !f.HasSection("acl") {
		return nil, nil
	}

	sec := f.Section("acl")
	r := &ACLRule{SourceFile: path}

	uidStr, err := scalarValue(sec, "uid")
	if err != nil {
		return nil, err
	}

	if uidStr != "" {
		uid, err := resolveUID(uidStr)
		if err != nil {
			return nil, err
		}

		if err := verifyUIDExists(uid); err != nil {
			return nil, err
		}

		r.MatchUID = &uid
	}

	gidStr, err := scalarValue(sec, "gid")
	if err != nil {
		return nil, err
	}

	if gidStr != "" {
		gid, err := resolveGID(gidStr)
		if err != nil {
			return nil, err
		}

		if err := verifyGIDExists(gid); err != nil {
			return nil, err
		}

		r.MatchGID = &gid
	}

	setuidStr, err := scalarValue(sec, "setuid")
	if err != nil {
		return nil, err
	}

	if setuidStr != "" {
		uid, err := resolveUID(setuidStr)
		if err != nil {
			return nil, err
		}

		// Validated against its own value, not against match-uid: the
		// original source re-checked "uid" here and never looked at
		// "setuid" at all (see DESIGN.md's Open Question decision).
		if err := verifyUIDExists(uid); err != nil {
			return nil, err
		}

		r.SetUID = &uid
	}

	setgidStr, err := scalarValue(sec, "setgid")
	if err != nil {
		return nil, err
	}

	if setgidStr != "" {
		gid, err := resolveGID(setgidStr)
		if err != nil {
			return nil, err
		}

		if err := verifyGIDExists(gid); err != nil {
			return nil, err
		}

		r.SetGID = &gid
	}

	setmodeStr, err := scalarValue(sec, "setmode")
	if err != nil {
		return nil, err
	}

	if setmodeStr != "" {
		mode, err := strconv.ParseUint(setmodeStr, 8, 32)
		if err != nil {
			return nil, vdeverr.New(vdeverr.ParseError, err)
		}

		m := uint32(mode) & 0777
		r.SetMode = &m
	}

	r.Bin, err = scalarValue(sec, "bin")
	if err != nil {
		return nil, err
	}

	r.Predicate, err = scalarValue(sec, "predicate")
	if err != nil {
		return nil, err
	}

	if r.Predicate == "" {
		// pidlist is a deprecated alias of predicate.
		r.Predicate, err = scalarValue(sec, "pidlist")
		if err != nil {
			return nil, err
		}
	}

	sha, err := scalarValue(sec, "sha256")
	if err != nil {
		return nil, err
	}

	if sha != "" {
		if !sha256Pattern.MatchString(sha) {
			return nil, vdeverr.Newf(vdeverr.ParseError, "sha256 %q is not 64 hex chars", sha)
		}

		lower := strings.ToLower(sha)
		if _, err := hex.DecodeString(lower); err != nil {
			return nil, vdeverr.New(vdeverr.ParseError, err)
		}

		r.SHA256 = lower
	}

	inodeStr, err := scalarValue(sec, "inode")
	if err != nil {
		return nil, err
	}

	if inodeStr != "" {
		inode, err := strconv.ParseUint(inodeStr, 10, 64)
		if err != nil {
			return nil, vdeverr.New(vdeverr.ParseError, err)
		}

		r.Inode = &inode
	}

	for _, pattern := range sec.Key("devices").ValueWithShadows() {
		re, err := compileDeviceRegex(pattern)
		if err != nil {
			return nil, err
		}

		r.Devices = append(r.Devices, re)
	}

	return r, nil
}

// LoadActionRules parses every regular file in dir as an INI file with a
// single [vdev-action] section, in lexicographic filename order.
func LoadActionRules(dir string) ([]*ActionRule, error) {
	paths, err := listRuleFiles(dir)
	if err != nil {
		return nil, err
	}

	out := make([]*ActionRule, 0, len(paths))
	for _, path := range paths {
		a, err := loadOneActionFile(path)
		if err != nil {
			return nil, vdeverr.Newf(vdeverr.BadRule, "%s: %s", path, err)
		}

		if a != nil {
			out = append(out, a)
		}
	}

	return out, nil
}

func loadOneActionFile(path string) (*ActionRule, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, vdeverr.New(vdeverr.ParseError, err)
	}

	if !f.HasSection("vdev-action") {
		return nil, nil
	}

	sec := f.Section("vdev-action")
	a := &ActionRule{
		Name:       filepath.Base(path),
		SourceFile: path,
	}

	eventStr, err := scalarValue(sec, "event")
	if err != nil {
		return nil, err
	}

	if eventStr == "" {
		eventStr = "any"
	}

	a.Trigger, err = request.ParseKind(eventStr)
	if err != nil {
		return nil, err
	}

	pathStr, err := scalarValue(sec, "path")
	if err != nil {
		return nil, err
	}

	if pathStr != "" {
		a.Path, err = compileDeviceRegex(pathStr)
		if err != nil {
			return nil, err
		}
	}

	typeStr, err := scalarValue(sec, "type")
	if err != nil {
		return nil, err
	}

	switch typeStr {
	case "":
		// no type filter
	case "block":
		a.HasType = true
		a.Type = request.DevBlock
	case "char":
		a.HasType = true
		a.Type = request.DevChar
	default:
		return nil, vdeverr.Newf(vdeverr.ParseError, "unrecognized type %q", typeStr)
	}

	a.RenameCommand, err = scalarValue(sec, "rename_command")
	if err != nil {
		return nil, err
	}

	a.Command, err = scalarValue(sec, "command")
	if err != nil {
		return nil, err
	}

	a.Helper, err = scalarValue(sec, "helper")
	if err != nil {
		return nil, err
	}

	asyncStr, err := scalarValue(sec, "async")
	if err != nil {
		return nil, err
	}

	a.Async = asyncStr == "true" || asyncStr == "1"

	ifExistsStr, err := scalarValue(sec, "if_exists")
	if err != nil {
		return nil, err
	}

	policy, ok := ParseIfExistsPolicy(ifExistsStr)
	if !ok {
		return nil, vdeverr.Newf(vdeverr.ParseError, "unrecognized if_exists %q", ifExistsStr)
	}

	a.IfExists = policy

	for _, key := range sec.Keys() {
		switch {
		case strings.HasPrefix(key.Name(), "OS_"):
			a.OSParams = append(a.OSParams, request.KV{
				Key:   strings.TrimPrefix(key.Name(), "OS_"),
				Value: key.Value(),
			})
		case strings.HasPrefix(key.Name(), "VAR_"):
			a.VarParams = append(a.VarParams, request.KV{
				Key:   strings.TrimPrefix(key.Name(), "VAR_"),
				Value: key.Value(),
			})
		}
	}

	a.IsDaemonlet = a.Helper == "daemonlet"

	if a.Command == "" && a.RenameCommand == "" {
		return nil, vdeverr.Newf(vdeverr.BadRule, "action must have a command or a rename_command")
	}

	if a.Trigger == request.Invalid {
		return nil, vdeverr.Newf(vdeverr.BadRule, "action has no usable trigger")
	}

	return a, nil
}
