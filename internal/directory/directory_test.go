package directory

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

func TestMembershipResources(t *testing.T) {
	for _, tc := range []struct {
		name string
		m    Membership
		want []string
	}{
		{
			name: "own resource only",
			m:    Membership{UserID: "u1"},
			want: []string{"user:u1"},
		},
		{
			name: "full",
			m: Membership{
				UserID:   "u1",
				Servers:  []string{"s2", "s1"},
				Channels: []string{"c9", "c1"},
				DMs:      []string{"d1"},
			},
			want: []string{"channel:c1", "channel:c9", "dm:d1", "server:s1", "server:s2", "user:u1"},
		},
		{
			name: "duplicates collapse",
			m:    Membership{UserID: "u1", Channels: []string{"c1", "c1"}},
			want: []string{"channel:c1", "user:u1"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.Resources(); !slices.Equal(got, tc.want) {
				t.Errorf("Resources() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic()
	servers := []string{"s1"}
	s.Set(Membership{UserID: "u1", Servers: servers, Channels: []string{"c1"}})
	servers[0] = "mutated"

	m, err := s.Membership(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(m.Resources(), []string{"channel:c1", "server:s1", "user:u1"}) {
		t.Errorf("u1 resources = %v", m.Resources())
	}

	m, err = s.Membership(context.Background(), "stranger")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(m.Resources(), []string{"user:stranger"}) {
		t.Errorf("stranger resources = %v", m.Resources())
	}
}

func TestPostgresMembership(t *testing.T) {
	db, mock := newMockDB(t)
	dir := newWithDB(db)

	mock.ExpectQuery("SELECT server_id FROM server_members WHERE user_id = \\$1").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"server_id"}).AddRow("s1").AddRow("s2"))
	mock.ExpectQuery("SELECT c.id FROM channels c\\s+JOIN server_members").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c1"))
	mock.ExpectQuery("SELECT dm_id FROM dm_participants WHERE user_id = \\$1").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"dm_id"}))

	m, err := dir.Membership(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Membership: %v", err)
	}
	want := []string{"channel:c1", "server:s1", "server:s2", "user:u1"}
	if got := m.Resources(); !slices.Equal(got, want) {
		t.Errorf("Resources() = %v, want %v", got, want)
	}
	if len(m.DMs) != 0 {
		t.Errorf("DMs = %v, want none", m.DMs)
	}
}

func TestPostgresMembership_QueryError(t *testing.T) {
	db, mock := newMockDB(t)
	dir := newWithDB(db)

	boom := errors.New("connection reset")
	mock.ExpectQuery("SELECT server_id FROM server_members").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"server_id"}).AddRow("s1"))
	mock.ExpectQuery("SELECT c.id FROM channels").
		WithArgs("u1").
		WillReturnError(boom)

	_, err := dir.Membership(context.Background(), "u1")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestPostgresMembership_ScanError(t *testing.T) {
	db, mock := newMockDB(t)
	dir := newWithDB(db)

	mock.ExpectQuery("SELECT server_id FROM server_members").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"server_id"}).AddRow("s1").RowError(0, errors.New("bad row")))

	if _, err := dir.Membership(context.Background(), "u1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgresPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	p := newWithDB(db)
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("first Ping: %v", err)
	}
	if err := p.Ping(context.Background()); err == nil {
		t.Error("second Ping should fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
