package dist

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vonwenm/eclus/errs"
	"github.com/vonwenm/eclus/metrics"
)

// Distribution flags this implementation requires of a peer (§4.4):
// extended references and extended pids/ports. The real protocol has
// many more bits; only the two the handshake gates on are named.
const (
	FlagExtendedReferences = 0x001
	FlagExtendedPidsPorts  = 0x100
)

// MinDistVersion is the lowest negotiated distribution version this
// node accepts (§4.4 step 1: "fail if below 5").
const MinDistVersion = 5

// Identity is what a node presents during handshake: its own name and
// the distribution flags it advertises.
type Identity struct {
	Name     string
	Flags    uint32
	DistVsn  uint16
	Cookie   string
}

const handshakeTimeout = 10 * time.Second

// Accept runs the accepting side of the handshake (§4.4) on an already
// dialed-in TCP connection and returns an authenticated Connection.
func Accept(conn net.Conn, self Identity, m *metrics.Registry, log *logrus.Entry) (*Connection, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	peerName, peerDistVsn, peerFlags, err := readNameFrame(conn)
	if err != nil {
		m.Handshake("accept", "io-error")
		return nil, err
	}

	negotiated := min16(peerDistVsn, self.DistVsn)
	if negotiated < MinDistVersion {
		m.Handshake("accept", "auth-error")
		return nil, errs.New(errs.Auth, "peer distribution version %d below minimum %d", negotiated, MinDistVersion)
	}
	if peerFlags&FlagExtendedReferences == 0 || peerFlags&FlagExtendedPidsPorts == 0 {
		m.Handshake("accept", "auth-error")
		return nil, errs.New(errs.Auth, "peer lacks extended refs/pids flags")
	}

	if err := writeStatusFrame(conn, "ok"); err != nil {
		m.Handshake("accept", "io-error")
		return nil, err
	}

	challenge, err := randomChallenge()
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "generate challenge")
	}
	if err := writeChallengeFrame(conn, negotiated, self.Flags, challenge, self.Name); err != nil {
		m.Handshake("accept", "io-error")
		return nil, err
	}

	theirChallenge, theirDigest, err := readChallengeReplyFrame(conn)
	if err != nil {
		m.Handshake("accept", "io-error")
		return nil, err
	}
	wantDigest := digest(self.Cookie, challenge)
	if !bytesEqual(theirDigest, wantDigest) {
		m.Handshake("accept", "auth-error")
		return nil, errs.New(errs.Auth, "challenge reply digest mismatch")
	}

	ourAck := digest(self.Cookie, theirChallenge)
	if err := writeChallengeAckFrame(conn, ourAck); err != nil {
		m.Handshake("accept", "io-error")
		return nil, err
	}

	m.Handshake("accept", "ok")
	c := newConnection(conn, peerName, negotiated, m, log)
	c.cookieOk = true
	c.sendCookie = false
	return c, nil
}

// Initiate runs the initiating side of the handshake (§4.4) against an
// already-dialed TCP connection to peerName.
func Initiate(conn net.Conn, self Identity, peerName string, m *metrics.Registry, log *logrus.Entry) (*Connection, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := writeNameFrame(conn, self.DistVsn, self.Flags, self.Name); err != nil {
		m.Handshake("initiate", "io-error")
		return nil, err
	}

	status, err := readStatusFrame(conn)
	if err != nil {
		m.Handshake("initiate", "io-error")
		return nil, err
	}
	if status != "ok" {
		m.Handshake("initiate", "auth-error")
		return nil, errs.New(errs.Auth, "handshake status %q != ok", status)
	}

	negotiated, peerFlags, peerChallenge, _, err := readChallengeFrame(conn)
	if err != nil {
		m.Handshake("initiate", "io-error")
		return nil, err
	}
	_ = peerFlags

	ourChallenge, err := randomChallenge()
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "generate challenge")
	}
	ourDigest := digest(self.Cookie, peerChallenge)
	if err := writeChallengeReplyFrame(conn, ourChallenge, ourDigest); err != nil {
		m.Handshake("initiate", "io-error")
		return nil, err
	}

	ackDigest, err := readChallengeAckFrame(conn)
	if err != nil {
		m.Handshake("initiate", "io-error")
		return nil, err
	}
	wantAck := digest(self.Cookie, ourChallenge)
	if !bytesEqual(ackDigest, wantAck) {
		m.Handshake("initiate", "auth-error")
		return nil, errs.New(errs.Auth, "challenge ack digest mismatch")
	}

	m.Handshake("initiate", "ok")
	c := newConnection(conn, peerName, negotiated, m, log)
	c.cookieOk = true
	c.sendCookie = false
	return c, nil
}

// digest computes md5(cookie || ascii(challenge)) per §4.4. challenge
// is treated as unsigned even though it travels as a signed 32-bit
// value on the wire, matching Erlang's own re-encoding rule.
func digest(cookie string, challenge uint32) []byte {
	h := md5.New()
	io.WriteString(h, cookie)
	io.WriteString(h, strconv.FormatUint(uint64(challenge), 10))
	return h.Sum(nil)
}

func randomChallenge() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func min16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

// --- frame I/O -------------------------------------------------------
//
// Each handshake frame is [len:u16 BE][body], per §6. Bodies use a
// single-byte or single-character tag: 0x6E ('n') for name/challenge
// variants, 's' for status, 'r' for challenge-reply, 'a' for ack.

func readFrame(conn net.Conn) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, errs.Wrap(errs.IO, err, "read handshake frame header")
	}
	n := binary.BigEndian.Uint16(hdr[:])
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(conn, body); err != nil {
			return nil, errs.Wrap(errs.IO, err, "read handshake frame body")
		}
	}
	return body, nil
}

func writeFrame(conn net.Conn, body []byte) error {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(body)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return errs.Wrap(errs.IO, err, "write handshake frame header")
	}
	if _, err := conn.Write(body); err != nil {
		return errs.Wrap(errs.IO, err, "write handshake frame body")
	}
	return nil
}

func writeNameFrame(conn net.Conn, distVsn uint16, flags uint32, name string) error {
	body := make([]byte, 0, 7+len(name))
	body = append(body, 0x6E)
	body = appendU16(body, distVsn)
	body = appendU32(body, flags)
	body = append(body, []byte(name)...)
	return writeFrame(conn, body)
}

func readNameFrame(conn net.Conn) (name string, distVsn uint16, flags uint32, err error) {
	body, err := readFrame(conn)
	if err != nil {
		return "", 0, 0, err
	}
	if len(body) < 7 || body[0] != 0x6E {
		return "", 0, 0, errs.New(errs.IO, "malformed name frame")
	}
	distVsn = binary.BigEndian.Uint16(body[1:3])
	flags = binary.BigEndian.Uint32(body[3:7])
	name = string(body[7:])
	return name, distVsn, flags, nil
}

func writeStatusFrame(conn net.Conn, status string) error {
	body := append([]byte{'s'}, []byte(status)...)
	return writeFrame(conn, body)
}

func readStatusFrame(conn net.Conn) (string, error) {
	body, err := readFrame(conn)
	if err != nil {
		return "", err
	}
	if len(body) < 1 || body[0] != 's' {
		return "", errs.New(errs.IO, "malformed status frame")
	}
	return string(body[1:]), nil
}

func writeChallengeFrame(conn net.Conn, distVsn uint16, flags uint32, challenge uint32, name string) error {
	body := make([]byte, 0, 11+len(name))
	body = append(body, 0x6E)
	body = appendU16(body, distVsn)
	body = appendU32(body, flags)
	body = appendU32(body, challenge)
	body = append(body, []byte(name)...)
	return writeFrame(conn, body)
}

func readChallengeFrame(conn net.Conn) (distVsn uint16, flags uint32, challenge uint32, name string, err error) {
	body, err := readFrame(conn)
	if err != nil {
		return 0, 0, 0, "", err
	}
	if len(body) < 11 || body[0] != 0x6E {
		return 0, 0, 0, "", errs.New(errs.IO, "malformed challenge frame")
	}
	distVsn = binary.BigEndian.Uint16(body[1:3])
	flags = binary.BigEndian.Uint32(body[3:7])
	challenge = binary.BigEndian.Uint32(body[7:11])
	name = string(body[11:])
	return distVsn, flags, challenge, name, nil
}

func writeChallengeReplyFrame(conn net.Conn, challenge uint32, dig []byte) error {
	body := make([]byte, 0, 21)
	body = append(body, 'r')
	body = appendU32(body, challenge)
	body = append(body, dig...)
	return writeFrame(conn, body)
}

func readChallengeReplyFrame(conn net.Conn) (challenge uint32, dig []byte, err error) {
	body, err := readFrame(conn)
	if err != nil {
		return 0, nil, err
	}
	if len(body) != 21 || body[0] != 'r' {
		return 0, nil, errs.New(errs.IO, "malformed challenge-reply frame")
	}
	challenge = binary.BigEndian.Uint32(body[1:5])
	dig = body[5:21]
	return challenge, dig, nil
}

func writeChallengeAckFrame(conn net.Conn, dig []byte) error {
	body := append([]byte{'a'}, dig...)
	return writeFrame(conn, body)
}

func readChallengeAckFrame(conn net.Conn) ([]byte, error) {
	body, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	if len(body) != 17 || body[0] != 'a' {
		return nil, errs.New(errs.IO, "malformed challenge-ack frame")
	}
	return body[1:17], nil
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
