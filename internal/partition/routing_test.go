package partition

import (
	"testing"
)

func TestRouteDefaultPattern(t *testing.T) {
	router, err := NewRouter(DefaultRouterConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key, err := router.Route("raw/orders/region=eu-west/2024/01/batch.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "eu-west" {
		t.Errorf("expected eu-west, got %s", key)
	}
}

func TestRouteNoMatchWithoutDefault(t *testing.T) {
	router, err := NewRouter(DefaultRouterConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := router.Route("raw/orders/batch.json"); err == nil {
		t.Fatal("expected error for object without partition key")
	}
}

func TestRouteNoMatchUsesDefault(t *testing.T) {
	router, err := NewRouter(RouterConfig{Pattern: `dt=(\d{8})`, DefaultKey: "unknown"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key, err := router.Route("raw/batch.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "unknown" {
		t.Errorf("expected unknown, got %s", key)
	}

	key, err = router.Route("raw/dt=20240131/batch.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "20240131" {
		t.Errorf("expected 20240131, got %s", key)
	}
}

func TestRouteRejectsUnsafeKey(t *testing.T) {
	router, err := NewRouter(RouterConfig{Pattern: `key=(.*)$`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, objectKey := range []string{"key=..", "key=a/b", "key="} {
		if _, err := router.Route(objectKey); err == nil {
			t.Errorf("expected error for %q", objectKey)
		}
	}
}

func TestNewRouterInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config RouterConfig
	}{
		{"bad regexp", RouterConfig{Pattern: "region=([^/]+"}},
		{"no capture group", RouterConfig{Pattern: "region=[^/]+"}},
		{"two capture groups", RouterConfig{Pattern: "(a)(b)"}},
		{"bad default key", RouterConfig{Pattern: "r=(.+)", DefaultKey: "a/b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRouter(tt.config); err == nil {
				t.Error("expected error")
			}
		})
	}
}
