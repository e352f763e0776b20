package secure

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// cookieLifetime bounds how long a DTLS-style stateless cookie remains
// valid (spec §4.4: "Cookie lifetime is bounded (default 5 minutes)").
const cookieLifetime = 5 * time.Minute

// issueCookie builds a stateless cookie binding peerAddr to the current
// time, authenticated with secret. The server need not remember anything
// between issuing the cookie and verifying it later.
func issueCookie(secret []byte, peerAddr string, now time.Time) []byte {
	ts := uint64(now.Unix())
	tag := cookieTag(secret, peerAddr, ts)
	cookie := make([]byte, 8+len(tag))
	binary.LittleEndian.PutUint64(cookie, ts)
	copy(cookie[8:], tag)
	return cookie
}

// verifyCookie reports whether cookie is a live, unforged cookie for
// peerAddr.
func verifyCookie(secret []byte, peerAddr string, cookie []byte, now time.Time) bool {
	if len(cookie) < 8 {
		return false
	}
	ts := binary.LittleEndian.Uint64(cookie[:8])
	issued := time.Unix(int64(ts), 0)
	if now.Sub(issued) > cookieLifetime || issued.After(now) {
		return false
	}
	want := cookieTag(secret, peerAddr, ts)
	return hmac.Equal(want, cookie[8:])
}

func cookieTag(secret []byte, peerAddr string, ts uint64) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(peerAddr))
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], ts)
	mac.Write(tsBuf[:])
	return mac.Sum(nil)[:16]
}
