package punchagent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/PunchAgent/internal/zk"
)

// fakeSession is an in-memory terminal.
type fakeSession struct {
	users         []zk.User
	punches       []zk.Attendance
	usersErr      error
	attendanceErr error
	panicOnRead   bool

	mu           sync.Mutex
	enabled      bool
	disconnected bool
}

func (s *fakeSession) FirmwareVersion(context.Context) (string, error) { return "Ver 6.60", nil }
func (s *fakeSession) Users(context.Context) ([]zk.User, error)         { return s.users, s.usersErr }
func (s *fakeSession) Attendance(context.Context) ([]zk.Attendance, error) {
	if s.panicOnRead {
		panic("corrupt record table")
	}
	return s.punches, s.attendanceErr
}
func (s *fakeSession) DisableDevice(context.Context) error { return nil }
func (s *fakeSession) EnableDevice(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	return nil
}
func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
	return errors.New("socket already closed")
}

func (s *fakeSession) tornDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled && s.disconnected
}

func punchesFor(ids ...string) []zk.Attendance {
	at := time.Date(2024, 6, 3, 8, 0, 0, 0, time.Local)
	out := make([]zk.Attendance, 0, len(ids))
	for i, id := range ids {
		out = append(out, zk.Attendance{UserID: id, Timestamp: at.Add(time.Duration(i) * time.Minute), Status: 1})
	}
	return out
}

func TestExtractDiscardsShortAndNonNumericIDs(t *testing.T) {
	session := &fakeSession{punches: punchesFor("12", "12345", "123456", "abcdef", "12345a", " 7654321 ", "")}
	got, err := Extractor{MinUserIDLength: 6}.Extract(context.Background(), session, "Lobby")
	require.NoError(t, err)

	ids := make([]string, 0, len(got.Records))
	for _, r := range got.Records {
		ids = append(ids, r.UserID)
	}
	assert.Equal(t, []string{"123456", "7654321"}, ids)
	assert.Equal(t, 5, got.Discarded)
	assert.Equal(t, got.Raw, len(got.Records)+got.Discarded)
}

func TestExtractCountsAlwaysAddUp(t *testing.T) {
	batches := [][]string{
		{},
		{"1"},
		{"100000", "100001"},
		{"x", "999999", "99999", "1234567890", "00000001"},
	}
	for _, ids := range batches {
		got, err := Extractor{MinUserIDLength: 6}.Extract(context.Background(), &fakeSession{punches: punchesFor(ids...)}, "S")
		require.NoError(t, err)
		assert.Equal(t, len(ids), got.Raw)
		assert.Equal(t, got.Raw, len(got.Records)+got.Discarded)
		for _, r := range got.Records {
			assert.GreaterOrEqual(t, len(r.UserID), 6)
		}
	}
}

func TestExtractResolvesNamesWithPlaceholderFallback(t *testing.T) {
	session := &fakeSession{
		users:   []zk.User{{UserID: "123456", Name: "Ana Perez"}, {UserID: "654321", Name: ""}},
		punches: punchesFor("123456", "654321", "777777"),
	}
	got, err := Extractor{MinUserIDLength: 6}.Extract(context.Background(), session, "Lobby")
	require.NoError(t, err)
	require.Len(t, got.Records, 3)
	assert.Equal(t, "Ana Perez", got.Records[0].Name)
	assert.Equal(t, "Unknown_654321", got.Records[1].Name)
	assert.Equal(t, "Unknown_777777", got.Records[2].Name)
	assert.Equal(t, "Lobby", got.Records[2].Station)
}

func TestExtractSurvivesDirectoryFailure(t *testing.T) {
	session := &fakeSession{usersErr: errors.New("timeout"), punches: punchesFor("123456")}
	got, err := Extractor{MinUserIDLength: 6}.Extract(context.Background(), session, "Lobby")
	require.NoError(t, err)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "Unknown_123456", got.Records[0].Name)
}

func TestExtractFailsWhenLogUnreadable(t *testing.T) {
	session := &fakeSession{attendanceErr: errors.New("connection reset")}
	_, err := Extractor{MinUserIDLength: 6}.Extract(context.Background(), session, "Lobby")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestExtractEmptyLogIsNotAnError(t *testing.T) {
	got, err := Extractor{MinUserIDLength: 6}.Extract(context.Background(), &fakeSession{}, "Lobby")
	require.NoError(t, err)
	assert.Empty(t, got.Records)
	assert.Zero(t, got.Raw)
}

func TestExtractFilterCanBeDisabled(t *testing.T) {
	got, err := Extractor{}.Extract(context.Background(), &fakeSession{punches: punchesFor("12", "", "A1")}, "Lobby")
	require.NoError(t, err)
	assert.Len(t, got.Records, 2)
	assert.Equal(t, 1, got.Discarded)
}

func TestRecordJSONShape(t *testing.T) {
	session := &fakeSession{punches: []zk.Attendance{
		{UserID: "123456", Timestamp: time.Date(2024, 6, 3, 8, 15, 30, 0, time.Local), Status: 1, Punch: 0},
		{UserID: "123457", Status: 4, Punch: 1},
	}}
	got, err := Extractor{MinUserIDLength: 6}.Extract(context.Background(), session, "Lobby")
	require.NoError(t, err)

	raw, err := json.Marshal(got.Records)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"user_id":"123456","name":"Unknown_123456","timestamp":"2024-06-03T08:15:30","status":1,"punch":0,"station":"Lobby"},
		{"user_id":"123457","name":"Unknown_123457","timestamp":null,"status":4,"punch":1,"station":"Lobby"}
	]`, string(raw))

	var back []AttendanceRecord
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, got.Records[0].Timestamp.Equal(back[0].Timestamp.Time))
	assert.True(t, back[1].Timestamp.IsZero())
}
