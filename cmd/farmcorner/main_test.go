package main

import "testing"

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		name     string
		conn     string
		addr     string
		password string
		tls      bool
	}{
		{name: "url", conn: "redis://:secret@cache:6380/0", addr: "cache:6380", password: "secret"},
		{name: "azure", conn: "farm.redis.cache.windows.net:6380,password=pw,ssl=True,abortConnect=False", addr: "farm.redis.cache.windows.net:6380", password: "pw", tls: true},
		{name: "bare", conn: "localhost:6379", addr: "localhost:6379"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := redisOptions(tt.conn)
			if opts.Addr != tt.addr || opts.Password != tt.password || (opts.TLSConfig != nil) != tt.tls {
				t.Fatalf("unexpected options addr=%q password=%q tls=%v", opts.Addr, opts.Password, opts.TLSConfig != nil)
			}
		})
	}
}
