package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMarkPostback_FirstWins(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	pb := Postback{Key: "k1", OrderID: "O-1", PaymentType: "sale", VisitorID: "uid", Reason: "cookie", CreatedAt: t0}
	first, err := s.MarkPostback(ctx, pb)
	if err != nil || !first {
		t.Fatalf("MarkPostback() = %v, %v; want true", first, err)
	}
	again, err := s.MarkPostback(ctx, pb)
	if err != nil || again {
		t.Fatalf("duplicate MarkPostback() = %v, %v; want false", again, err)
	}

	got, ok, err := s.GetPostback(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("GetPostback() = %v, %v", ok, err)
	}
	if got.Status != PostbackQueued || got.Attempts != 0 || !got.CreatedAt.Equal(t0) {
		t.Errorf("GetPostback() = %+v", got)
	}
}

func TestMarkPostback_EmptyKey(t *testing.T) {
	if _, err := openTestStore(t).MarkPostback(context.Background(), Postback{}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestFinishPostback(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, _ = s.MarkPostback(ctx, Postback{Key: "k1", OrderID: "O-1", PaymentType: "sale", Reason: "promocode", CreatedAt: t0})

	if err := s.FinishPostback(ctx, "k1", PostbackFailed, errors.New("502"), t0.Add(time.Second)); err != nil {
		t.Fatalf("FinishPostback() failed: %v", err)
	}
	got, _, _ := s.GetPostback(ctx, "k1")
	if got.Status != PostbackFailed || got.Attempts != 1 || got.LastError != "502" {
		t.Errorf("after failure: %+v", got)
	}

	if err := s.FinishPostback(ctx, "missing", PostbackSent, nil, t0); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestReleasePostback(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	pb := Postback{Key: "k1", OrderID: "O-1", PaymentType: "sale", Reason: "cookie", CreatedAt: t0}
	_, _ = s.MarkPostback(ctx, pb)

	released, err := s.ReleasePostback(ctx, "k1")
	if err != nil || !released {
		t.Fatalf("ReleasePostback() = %v, %v; want true", released, err)
	}
	if _, ok, _ := s.GetPostback(ctx, "k1"); ok {
		t.Error("marker still present after release")
	}
	first, err := s.MarkPostback(ctx, pb)
	if err != nil || !first {
		t.Fatalf("MarkPostback() after release = %v, %v; want true", first, err)
	}

	// Once a send was attempted the marker stays.
	if err := s.FinishPostback(ctx, "k1", PostbackFailed, errors.New("502"), t0); err != nil {
		t.Fatalf("FinishPostback() failed: %v", err)
	}
	released, err = s.ReleasePostback(ctx, "k1")
	if err != nil || released {
		t.Errorf("ReleasePostback() after attempt = %v, %v; want false", released, err)
	}
	if released, _ := s.ReleasePostback(ctx, "missing"); released {
		t.Error("released an unknown key")
	}
}

func TestListPostbacks_Ordered(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, _ = s.MarkPostback(ctx, Postback{Key: "b", OrderID: "2", PaymentType: "sale", Reason: "cookie", CreatedAt: t0.Add(time.Second)})
	_, _ = s.MarkPostback(ctx, Postback{Key: "a", OrderID: "1", PaymentType: "lead", Reason: "cookie", CreatedAt: t0})
	_, _ = s.MarkPostback(ctx, Postback{Key: "c", OrderID: "3", PaymentType: "sale", Reason: "cookie", CreatedAt: t0.Add(time.Second)})

	all, err := s.ListPostbacks(ctx, 0)
	if err != nil {
		t.Fatalf("ListPostbacks() failed: %v", err)
	}
	var keys []string
	for _, pb := range all {
		keys = append(keys, pb.Key)
	}
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Errorf("order = %v, want [a b c]", keys)
	}

	two, _ := s.ListPostbacks(ctx, 2)
	if len(two) != 2 {
		t.Errorf("limit 2 returned %d", len(two))
	}
}
