package redis

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"arena-service/internal/app"
	"arena-service/internal/clock"
	"arena-service/internal/domain"
	"arena-service/internal/problem"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMatchRegistrySetsAndClearsKeys(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	registry := NewMatchRegistry(newClient(mr), time.Minute)
	session, created := registry.GetOrCreate("match-1", newSession("match-1"))
	if !created {
		t.Fatalf("expected a new session")
	}
	if !mr.Exists("arena:match:match-1") {
		t.Fatalf("expected redis key to be set")
	}

	registry.Remove("match-1", session)
	if mr.Exists("arena:match:match-1") {
		t.Fatalf("expected redis key to be removed")
	}
	if registry.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestMatchRegistryRefreshStoresViews(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	registry := NewMatchRegistry(newClient(mr), time.Minute)
	session, _ := registry.GetOrCreate("match-1", newSession("match-1"))
	if _, err := session.Join("u1", "Alice", 1200); err != nil {
		t.Fatalf("join: %v", err)
	}

	n, err := registry.Refresh(ctx)
	if err != nil || n != 1 {
		t.Fatalf("refresh: n=%d err=%v", n, err)
	}
	view, err := registry.LoadView(ctx, "match-1")
	if err != nil {
		t.Fatalf("load view: %v", err)
	}
	if view.MatchID != "match-1" || len(view.Players) != 1 || view.Players[0].UserID != "u1" {
		t.Fatalf("unexpected view %+v", view)
	}
	if ttl := mr.TTL("arena:match:match-1:state"); ttl != time.Minute {
		t.Fatalf("expected state ttl, got %v", ttl)
	}

	if _, err := registry.LoadView(ctx, "missing"); !errors.Is(err, domain.ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestMatchRegistryLookupsDoNotWaitOnRedis(t *testing.T) {
	// a server that accepts connections and never answers
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	defer func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	client := redis.NewClient(&redis.Options{
		Addr:        ln.Addr().String(),
		DialTimeout: time.Second,
		ReadTimeout: 3 * time.Second,
		MaxRetries:  -1,
	})
	defer client.Close()
	registry := NewMatchRegistry(client, time.Minute)

	done := make(chan struct{})
	go func() {
		defer close(done)
		registry.GetOrCreate("slow", newSession("slow"))
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := registry.Get("slow"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session was not indexed while the redis write was pending")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if registry.Len() != 1 {
		t.Fatalf("expected one indexed session")
	}
	select {
	case <-done:
		t.Fatalf("expected the redis write to still be pending")
	default:
	}
	<-done
}

func newSession(id string) func() *app.Session {
	return func() *app.Session {
		return app.NewSession(id, domain.CategoryAddition, app.DefaultSessionConfig(), clock.NewFake(time.Unix(0, 0)), problem.NewGenerator(1))
	}
}
