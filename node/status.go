package node

import "github.com/sirupsen/logrus"

// StatusHandler observes node-level lifecycle events (§4.8): a remote
// node's connection state flipping, an equivalent local-side event, and
// every inbound or outbound connection attempt. All three are invoked
// with panics recovered, matching §7: "wrapped so an exception raised
// in user code is logged and swallowed."
type StatusHandler interface {
	RemoteStatus(node string, up bool, info error)
	LocalStatus(node string, up bool, info error)
	ConnAttempt(node string, incoming bool, info error)
}

// safeStatus wraps a StatusHandler so a panicking callback cannot take
// down the caller (acceptor loop, getConnection, connection reader).
type safeStatus struct {
	h   StatusHandler
	log *logrus.Entry
}

func newSafeStatus(h StatusHandler, log *logrus.Entry) *safeStatus {
	return &safeStatus{h: h, log: log}
}

func (s *safeStatus) remoteStatus(node string, up bool, info error) {
	if s == nil || s.h == nil {
		return
	}
	defer s.recover("remoteStatus")
	s.h.RemoteStatus(node, up, info)
}

func (s *safeStatus) localStatus(node string, up bool, info error) {
	if s == nil || s.h == nil {
		return
	}
	defer s.recover("localStatus")
	s.h.LocalStatus(node, up, info)
}

func (s *safeStatus) connAttempt(node string, incoming bool, info error) {
	if s == nil || s.h == nil {
		return
	}
	defer s.recover("connAttempt")
	s.h.ConnAttempt(node, incoming, info)
}

func (s *safeStatus) recover(callback string) {
	if r := recover(); r != nil {
		s.log.WithField("callback", callback).Errorf("status handler panicked: %v", r)
	}
}
