package osevent

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/mdlayher/socket"
	"golang.org/x/sys/unix"

	"github.com/jcnelson/vdev/internal/request"
)

// kobjectUeventGroup is the netlink multicast group the kernel publishes
// device lifecycle uevents to (NETLINK_KOBJECT_UEVENT group 1; group 2 is
// reserved for userspace/libudev-originated events, which vdev ignores).
const kobjectUeventGroup = 1

// ueventRecvBuf is sized well above any observed kernel uevent; oversized
// messages are truncated by the kernel itself, never by us.
const ueventRecvBuf = 64 * 1024

// listenUevents opens a NETLINK_KOBJECT_UEVENT socket bound to the kernel's
// multicast group and translates every accepted message into a device
// request, until ctx is cancelled.
func (s *Source) listenUevents(ctx context.Context, sink Sink) error {
	conn, err := socket.New(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT, "vdev-uevent", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Bind(&unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kobjectUeventGroup}); err != nil {
		return err
	}

	if err := conn.SetsockoptInt(unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		s.log.WithError(err).Warn("SO_PASSCRED unavailable; uevent peer filtering disabled")
	}

	// Kernel bursts of hotplug events (e.g. USB hub with several
	// downstream devices) can arrive faster than userspace drains the
	// socket buffer; widen it past the kernel default.
	_ = conn.SetsockoptInt(unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, 4*1024*1024)

	buf := make([]byte, ueventRecvBuf)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))

	s.log.Info("listening for kernel uevents")

	for {
		n, oobn, _, _, err := conn.Recvmsg(ctx, buf, oob, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		if !s.acceptPeer(oob[:oobn]) {
			continue
		}

		req, err := parseUevent(buf[:n])
		if err != nil {
			s.log.WithError(err).Debug("ignoring malformed uevent")
			continue
		}

		if req == nil {
			continue
		}

		s.enrichFromSysfs(req)
		s.enrichPCI(req)

		if err := sink.Enqueue(req); err != nil {
			s.log.WithError(err).WithField("path", req.Path).Warn("failed to enqueue uevent request")
		}
	}
}

// acceptPeer verifies the SCM_CREDENTIALS ancillary data (if present)
// reports pid 0 / uid 0, i.e. the message truly originated from the
// kernel. If SO_PASSCRED could not be enabled, or no credentials were
// attached, the message is accepted — we are bound only to the kernel's
// multicast group, so absent stronger guarantees this is already the
// kernel's own channel.
func (s *Source) acceptPeer(oob []byte) bool {
	if len(oob) == 0 {
		return true
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return true
	}

	for _, cmsg := range cmsgs {
		if cmsg.Header.Level != unix.SOL_SOCKET || cmsg.Header.Type != unix.SCM_CREDENTIALS {
			continue
		}

		cred, err := unix.ParseUnixCredentials(&cmsg)
		if err != nil {
			continue
		}

		return cred.Pid == 0 && cred.Uid == 0
	}

	return true
}

// parseUevent decodes one NETLINK_KOBJECT_UEVENT message into a request, or
// returns (nil, nil) for messages that carry no actionable ACTION/DEVPATH
// pair (e.g. a libudev-tagged message arriving despite our group filter).
func parseUevent(msg []byte) (*request.Request, error) {
	if bytes.HasPrefix(msg, []byte("libudev\x00")) {
		return nil, nil
	}

	fields := bytes.Split(msg, []byte{0})

	// The first field is "<action>@<devpath>"; every subsequent field is a
	// NUL-terminated KEY=VALUE record until a trailing empty field.
	var (
		action  string
		devpath string
		kvs     []request.KV
	)

	for i, field := range fields {
		if len(field) == 0 {
			continue
		}

		if i == 0 {
			header := string(field)
			at := strings.IndexByte(header, '@')
			if at < 0 {
				continue
			}

			action = header[:at]
			devpath = header[at+1:]

			continue
		}

		kv := string(field)
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}

		kvs = append(kvs, request.KV{Key: kv[:eq], Value: kv[eq+1:]})
	}

	if devpath == "" {
		return nil, nil
	}

	kind, err := request.ParseKind(action)
	if err != nil {
		return nil, err
	}

	var (
		major, minor int
		devtype      request.DevType
		devname      string
	)

	for _, kv := range kvs {
		switch kv.Key {
		case "ACTION":
			// Already captured via the header.
			continue
		case "DEVNAME":
			devname = kv.Value
		case "MAJOR":
			if maj, convErr := strconv.Atoi(kv.Value); convErr == nil {
				major = maj
			}
		case "MINOR":
			if min, convErr := strconv.Atoi(kv.Value); convErr == nil {
				minor = min
			}
		case "SUBSYSTEM":
			if kv.Value == "block" {
				devtype = request.DevBlock
			}
		}
	}

	path := devpath
	if devname != "" {
		path = "/" + devname
	}

	req := request.New(kind, path)
	req.SetDev(major, minor)
	req.SetMode(devtype)

	for _, kv := range kvs {
		if kv.Key == "ACTION" {
			continue
		}

		_ = req.AddParam(kv.Key, kv.Value)
	}

	if req.DevType == request.DevNone {
		req.DevType = request.DevChar
	}

	return req, nil
}
