//go:build integration

package db

import (
	"os"
	"strconv"
	"testing"
)

// mysqlOpts reads a MySQL server address from SC_TEST_MYSQL_* variables and
// skips the test when none is configured.
func mysqlOpts(t *testing.T) Opts {
	t.Helper()
	host := os.Getenv("SC_TEST_MYSQL_HOST")
	if host == "" {
		t.Skip("SC_TEST_MYSQL_HOST not set")
	}
	port, _ := strconv.Atoi(os.Getenv("SC_TEST_MYSQL_PORT"))
	if port == 0 {
		port = 3306
	}
	user := os.Getenv("SC_TEST_MYSQL_USER")
	if user == "" {
		user = "root"
	}
	return Opts{
		Driver:   DriverMySQL,
		Host:     host,
		Port:     port,
		User:     user,
		Password: os.Getenv("SC_TEST_MYSQL_PASSWORD"),
		Database: "stealthchat_test",
	}
}

func TestIntegration_MySQLMigrate(t *testing.T) {
	gdb, err := Connect(mysqlOpts(t))
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
}
