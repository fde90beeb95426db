package oracle_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"EmpireSync/internal/oracle"
)

func TestReferencePriceCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"usd": "0.0125"}`)
	}))
	defer srv.Close()

	o := oracle.New(srv.URL, time.Minute, zerolog.Nop(), nil)

	for i := 0; i < 5; i++ {
		p, err := o.ReferencePrice(context.Background())
		if err != nil {
			t.Fatalf("ReferencePrice: %v", err)
		}
		if p.String() != "0.0125" {
			t.Errorf("price = %s, want 0.0125", p)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1 (cached)", calls.Load())
	}
}

func TestReferencePriceRefreshesAfterTTL(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		fmt.Fprintf(w, `{"usd": "0.0%d"}`, n)
	}))
	defer srv.Close()

	o := oracle.New(srv.URL, 20*time.Millisecond, zerolog.Nop(), nil)

	first, err := o.ReferencePrice(context.Background())
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	second, err := o.ReferencePrice(context.Background())
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if first.Equal(second) {
		t.Errorf("price did not refresh after TTL: %s == %s", first, second)
	}
	if calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", calls.Load())
	}
}

func TestReferencePriceServesStaleOnError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"usd": "0.0077"}`)
	}))
	defer srv.Close()

	o := oracle.New(srv.URL, 10*time.Millisecond, zerolog.Nop(), nil)

	if _, err := o.ReferencePrice(context.Background()); err != nil {
		t.Fatalf("warm-up fetch: %v", err)
	}

	fail.Store(true)
	time.Sleep(20 * time.Millisecond)

	p, err := o.ReferencePrice(context.Background())
	if err != nil {
		t.Fatalf("stale serve must not error, got %v", err)
	}
	if p.String() != "0.0077" {
		t.Errorf("stale price = %s, want last good 0.0077", p)
	}
}

func TestReferencePriceColdCacheError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o := oracle.New(srv.URL, time.Minute, zerolog.Nop(), nil)
	if _, err := o.ReferencePrice(context.Background()); err == nil {
		t.Fatal("cold cache with failing upstream must error")
	}
	if _, ok := o.LastUpdated(); ok {
		t.Error("LastUpdated reports a value after total failure")
	}
}

func TestReferencePriceSingleFlight(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, `{"usd": "1.5"}`)
	}))
	defer srv.Close()

	o := oracle.New(srv.URL, time.Minute, zerolog.Nop(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.ReferencePrice(context.Background()); err != nil {
				t.Errorf("concurrent ReferencePrice: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1 (coalesced)", calls.Load())
	}
}

func TestRejectsImplausiblePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"usd": "0"}`)
	}))
	defer srv.Close()

	o := oracle.New(srv.URL, time.Minute, zerolog.Nop(), nil)
	if _, err := o.ReferencePrice(context.Background()); err == nil {
		t.Fatal("zero price must be rejected")
	}
}
