package osevent

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jcnelson/vdev/internal/request"
)

// sysfsDevicesRoot is where every device's kobject tree lives; each leaf
// directory with a "uevent" file is a candidate device.
const sysfsDevicesRoot = "/sys/devices"

// coldplug walks sysfs with filepath.WalkDir, which is depth-first in
// lexical order; the tree is not visited breadth-first. It synthesizes one
// Add request per device that carries a DEVNAME, mirroring what udevadm
// trigger does on a running system.
func (s *Source) coldplug(ctx context.Context, sink Sink) error {
	if _, err := os.Stat(sysfsDevicesRoot); err != nil {
		s.log.WithError(err).Warn("sysfs device tree unavailable; skipping coldplug")
		return nil
	}

	count := 0

	err := filepath.WalkDir(sysfsDevicesRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Sysfs entries can vanish mid-walk (hot-unplug during
			// coldplug); skip rather than abort the whole sweep.
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() || d.Name() != "uevent" {
			return nil
		}

		req, err := s.parseSysfsUevent(path)
		if err != nil {
			s.log.WithError(err).WithField("path", path).Debug("skipping sysfs device")
			return nil
		}

		if req == nil {
			return nil
		}

		s.enrichPCI(req)

		if err := sink.Enqueue(req); err != nil {
			s.log.WithError(err).WithField("path", req.Path).Warn("failed to enqueue coldplug request")
			return nil
		}

		count++

		return nil
	})

	s.log.WithField("count", count).Info("coldplug sweep complete")

	if err != nil && err != context.Canceled {
		return err
	}

	return nil
}

// parseSysfsUevent reads one sysfs "uevent" file. Its format is bare
// KEY=VALUE lines (no NUL separators, no ACTION header, unlike a kernel
// netlink uevent) since it represents the device's steady state rather than
// a transition.
func (s *Source) parseSysfsUevent(path string) (*request.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		devname string
		major   int
		minor   int
		devtype request.DevType
		kvs     []request.KV
	)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}

		key, value := line[:eq], line[eq+1:]

		switch key {
		case "DEVNAME":
			devname = value
		case "MAJOR":
			major, _ = strconv.Atoi(value)
		case "MINOR":
			minor, _ = strconv.Atoi(value)
		case "SUBSYSTEM":
			if value == "block" {
				devtype = request.DevBlock
			}

			kvs = append(kvs, request.KV{Key: key, Value: value})
		default:
			kvs = append(kvs, request.KV{Key: key, Value: value})
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if devname == "" {
		// A kobject with no associated device node (a bus, a class
		// container, a subsystem root); nothing for vdev to materialize.
		return nil, nil
	}

	if devtype == request.DevNone {
		devtype = request.DevChar
	}

	req := request.New(request.Add, "/"+devname)
	req.SetDev(major, minor)
	req.SetMode(devtype)

	for _, kv := range kvs {
		_ = req.AddParam(kv.Key, kv.Value)
	}

	return req, nil
}
