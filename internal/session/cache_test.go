package session

import "testing"

func TestPasswordCacheLifecycle(t *testing.T) {
	cache := NewPasswordCache()

	if _, ok := cache.Get("berlin"); ok {
		t.Fatal("expected cache miss")
	}

	cache.Set("berlin", "secret")
	if v, ok := cache.Get("berlin"); !ok || v != "secret" {
		t.Fatalf("unexpected cache value ok=%v v=%q", ok, v)
	}

	cache.Set("oslo", "other")
	cache.Forget("berlin")
	if _, ok := cache.Get("berlin"); ok {
		t.Fatal("expected miss after forget")
	}
	if v, ok := cache.Get("oslo"); !ok || v != "other" {
		t.Fatalf("forget must not touch other entries, got ok=%v v=%q", ok, v)
	}
}
