package main

import (
	"context"
	"testing"

	"github.com/atlasswap/atlas/internal/config"
	"github.com/atlasswap/atlas/pkg/logging"
)

func TestSelectLP(t *testing.T) {
	log := logging.Default()

	t.Run("configured LP wins", func(t *testing.T) {
		cfg := config.Default()
		cfg.LPs = []string{"https://lp.example", "https://lp2.example"}

		url, err := selectLP(context.Background(), cfg, nil, log)
		if err != nil {
			t.Fatalf("selectLP: %v", err)
		}
		if url != "https://lp.example" {
			t.Errorf("url = %q, want the first configured LP", url)
		}
	})

	t.Run("no LP and no discovery fails", func(t *testing.T) {
		cfg := config.Default()
		cfg.LPs = nil

		if _, err := selectLP(context.Background(), cfg, nil, log); err == nil {
			t.Fatal("expected an error with no LP source")
		}
	})
}
