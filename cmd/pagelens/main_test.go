package main

import (
	"io"
	"testing"

	"pagelens/internal/browser"
	"pagelens/internal/config"
)

func TestNewTabSource(t *testing.T) {
	t.Run("static url", func(t *testing.T) {
		src := newTabSource(config.BrowserConfig{StaticURL: "https://shop.example/item"})
		st, ok := src.(*browser.StaticTab)
		if !ok {
			t.Fatalf("expected *browser.StaticTab, got %T", src)
		}
		if st.URL != "https://shop.example/item" {
			t.Errorf("unexpected url %q", st.URL)
		}
	})

	t.Run("chrome", func(t *testing.T) {
		src := newTabSource(config.BrowserConfig{DebuggerURL: "ws://127.0.0.1:9222"})
		if _, ok := src.(*browser.RodTabs); !ok {
			t.Fatalf("expected *browser.RodTabs, got %T", src)
		}
		closer, ok := src.(io.Closer)
		if !ok {
			t.Fatal("expected the Chrome tab source to be closable")
		}
		if err := closer.Close(); err != nil {
			t.Errorf("Close on an unconnected source failed: %v", err)
		}
	})
}
