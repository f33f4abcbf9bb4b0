package db

import (
	"strings"
	"testing"

	"github.com/zulandar/stealthchat/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		opts Opts
		want string
	}{
		{
			name: "local root",
			opts: Opts{Host: "127.0.0.1", Port: 3306, User: "root", Database: "stealthchat"},
			want: "root@tcp(127.0.0.1:3306)/stealthchat?parseTime=true",
		},
		{
			name: "with password",
			opts: Opts{Host: "db.internal", Port: 3307, User: "sc", Password: "pw", Database: "chat"},
			want: "sc:pw@tcp(db.internal:3307)/chat?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.opts)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDSN_IPv6Host(t *testing.T) {
	dsn := DSN(Opts{Host: "::1", Port: 3306, User: "root", Database: "x"})
	if !strings.Contains(dsn, "tcp([::1]:3306)") {
		t.Errorf("DSN should bracket IPv6 hosts: %s", dsn)
	}
}

func TestConnect_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opts    Opts
		wantErr string
	}{
		{"sqlite without path", Opts{}, "sqlite path is required"},
		{"mysql without host", Opts{Driver: DriverMySQL, Database: "x"}, "mysql host"},
		{"unknown driver", Opts{Driver: "postgres"}, "unknown driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Connect(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConnectAndMigrate_SQLiteMemory(t *testing.T) {
	gdb, err := Connect(Opts{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}

	ch := models.Channel{ID: "01J00000000000000000000000", Name: "sessions"}
	if err := gdb.Create(&ch).Error; err != nil {
		t.Fatalf("create channel: %v", err)
	}
	var got models.Channel
	if err := gdb.Where("name = ?", "sessions").First(&got).Error; err != nil {
		t.Fatalf("find channel: %v", err)
	}
	if got.ID != ch.ID {
		t.Errorf("ID = %q, want %q", got.ID, ch.ID)
	}
}

func TestAllModels_Count(t *testing.T) {
	if n := len(AllModels()); n != 2 {
		t.Errorf("AllModels() returned %d models, want 2", n)
	}
}
