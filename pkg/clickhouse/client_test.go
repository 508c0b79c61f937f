package clickhouse

import (
	"context"
	"net/url"
	"testing"
	"time"
)

func TestBuildDSN(t *testing.T) {
	dsn := buildDSN(ClientConfig{
		Host:         "ch.local",
		Port:         9000,
		Database:     "quant",
		User:         "svc",
		Password:     "p@ss",
		DialTimeout:  2 * time.Second,
		MaxExecTime:  30 * time.Second,
		AsyncInsert:  true,
		WaitForAsync: true,
	})

	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	if u.Scheme != "clickhouse" || u.Host != "ch.local:9000" || u.Path != "/quant" {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	if pw, _ := u.User.Password(); pw != "p@ss" {
		t.Fatalf("password not preserved: %q", dsn)
	}
	q := u.Query()
	for k, want := range map[string]string{
		"dial_timeout":          "2s",
		"max_execution_time":    "30",
		"async_insert":          "1",
		"wait_for_async_insert": "1",
	} {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if q.Has("read_timeout") {
		t.Errorf("read_timeout should be omitted when zero")
	}
}

func TestBuildDSN_HTTP(t *testing.T) {
	dsn := buildDSN(ClientConfig{Host: "ch", Port: 8123, Database: "default", User: "default", UseHTTP: true})
	if want := "http://default:@ch:8123/default"; dsn != want {
		t.Fatalf("dsn = %q, want %q", dsn, want)
	}
}

func TestNewClient_RequiresHost(t *testing.T) {
	if _, err := NewClient(context.Background()); err == nil {
		t.Fatal("expected error without host")
	}
}
