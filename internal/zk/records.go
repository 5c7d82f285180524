package zk

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"
	"time"
)

// User is one entry of the terminal user directory.
type User struct {
	UID       uint16
	UserID    string
	Name      string
	Privilege int
	Card      uint32
}

// Attendance is one raw punch from the terminal log. Timestamp is zero when
// the terminal stored no time for the entry.
type Attendance struct {
	UID       uint16
	UserID    string
	Timestamp time.Time
	Status    int
	Punch     int
}

const (
	userRecordSmall = 28
	userRecordLarge = 72
)

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(b), ""))
}

// decodeTime unpacks the terminal's packed local time: seconds, minutes,
// hours, days (31 per month), months (12 per year) since 2000-01-01.
func decodeTime(v uint32) time.Time {
	if v == 0 {
		return time.Time{}
	}
	t := int(v)
	second := t % 60
	t /= 60
	minute := t % 60
	t /= 60
	hour := t % 24
	t /= 24
	day := t%31 + 1
	t /= 31
	month := t%12 + 1
	t /= 12
	year := t + 2000
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.Local)
}

func decodeUsers(body []byte, recordSize int) []User {
	if recordSize != userRecordSmall {
		recordSize = userRecordLarge
	}
	users := make([]User, 0, len(body)/recordSize)
	for len(body) >= recordSize {
		rec := body[:recordSize]
		body = body[recordSize:]
		var u User
		if recordSize == userRecordSmall {
			u = User{
				UID:       binary.LittleEndian.Uint16(rec[0:]),
				Privilege: int(rec[2]),
				Name:      cString(rec[8:16]),
				Card:      binary.LittleEndian.Uint32(rec[16:]),
				UserID:    strconv.FormatUint(uint64(binary.LittleEndian.Uint32(rec[24:])), 10),
			}
		} else {
			u = User{
				UID:       binary.LittleEndian.Uint16(rec[0:]),
				Privilege: int(rec[2]),
				Name:      cString(rec[11:35]),
				Card:      binary.LittleEndian.Uint32(rec[35:]),
				UserID:    cString(rec[48:72]),
			}
		}
		users = append(users, u)
	}
	return users
}

func decodeAttendance(body []byte, recordSize int, users []User) []Attendance {
	byUID := make(map[uint16]string, len(users))
	byUserID := make(map[string]uint16, len(users))
	for _, u := range users {
		byUID[u.UID] = u.UserID
		byUserID[u.UserID] = u.UID
	}

	var out []Attendance
	switch recordSize {
	case 8:
		for len(body) >= 8 {
			rec := body[:8]
			body = body[8:]
			uid := binary.LittleEndian.Uint16(rec[0:])
			userID, ok := byUID[uid]
			if !ok {
				userID = strconv.Itoa(int(uid))
			}
			out = append(out, Attendance{
				UID:       uid,
				UserID:    userID,
				Status:    int(rec[2]),
				Timestamp: decodeTime(binary.LittleEndian.Uint32(rec[3:])),
				Punch:     int(rec[7]),
			})
		}
	case 16:
		for len(body) >= 16 {
			rec := body[:16]
			body = body[16:]
			userID := strconv.FormatUint(uint64(binary.LittleEndian.Uint32(rec[0:])), 10)
			out = append(out, Attendance{
				UID:       byUserID[userID],
				UserID:    userID,
				Timestamp: decodeTime(binary.LittleEndian.Uint32(rec[4:])),
				Status:    int(rec[8]),
				Punch:     int(rec[9]),
			})
		}
	default:
		for len(body) >= 40 {
			rec := body[:40]
			body = body[40:]
			out = append(out, Attendance{
				UID:       binary.LittleEndian.Uint16(rec[0:]),
				UserID:    cString(rec[2:26]),
				Status:    int(rec[26]),
				Timestamp: decodeTime(binary.LittleEndian.Uint32(rec[27:])),
				Punch:     int(rec[31]),
			})
		}
	}
	return out
}
