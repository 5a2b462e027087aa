package model

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/url"
	"strings"
)

const (
	RoomCodeLength   = 6
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	joinPathPrefix = "/join/"
)

var ErrInvalidJoinLink = errors.New("invalid join link")

// GenerateRoomCode returns a random uppercase alphanumeric code of RoomCodeLength chars.
func GenerateRoomCode() (string, error) {
	var (
		sb  strings.Builder
		max = big.NewInt(int64(len(roomCodeAlphabet)))
	)
	sb.Grow(RoomCodeLength)
	for range RoomCodeLength {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(roomCodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizeRoomCode ensures consistent formatting (uppercase, trimmed).
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func ValidRoomCode(code string) bool {
	if len(code) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(roomCodeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// JoinLink builds the shareable <origin>/join/<code> link.
func JoinLink(origin, code string) string {
	return strings.TrimRight(origin, "/") + joinPathPrefix + code
}

// ParseJoinLink extracts the room code from a join link. A bare code is accepted too.
func ParseJoinLink(link string) (string, error) {
	link = strings.TrimSpace(link)
	if code := NormalizeRoomCode(link); ValidRoomCode(code) {
		return code, nil
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", errors.Join(ErrInvalidJoinLink, err)
	}
	idx := strings.LastIndex(u.Path, joinPathPrefix)
	if idx < 0 {
		return "", ErrInvalidJoinLink
	}
	code := NormalizeRoomCode(strings.Trim(u.Path[idx+len(joinPathPrefix):], "/"))
	if !ValidRoomCode(code) {
		return "", ErrInvalidJoinLink
	}
	return code, nil
}
