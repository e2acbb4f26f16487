package health

import (
	"context"
	"errors"
	"testing"

	llmmock "github.com/castfell/loresmith/pkg/provider/llm/mock"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(_ context.Context) error { return f.err }

func TestDatabaseChecker(t *testing.T) {
	t.Run("healthy pool passes", func(t *testing.T) {
		c := Database(fakePinger{})
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("Check() = %v, want nil", err)
		}
	})

	t.Run("ping failure propagates", func(t *testing.T) {
		c := Database(fakePinger{err: errors.New("connection refused")})
		if err := c.Check(context.Background()); err == nil {
			t.Error("Check() = nil, want error")
		}
	})

	t.Run("nil pool fails", func(t *testing.T) {
		c := Database(nil)
		if err := c.Check(context.Background()); err == nil {
			t.Error("Check() = nil, want error")
		}
	})
}

func TestLLMChecker(t *testing.T) {
	t.Run("working provider passes", func(t *testing.T) {
		c := LLM(&llmmock.Provider{TokenCount: 1})
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("Check() = %v, want nil", err)
		}
	})

	t.Run("counter failure propagates", func(t *testing.T) {
		c := LLM(&llmmock.Provider{CountTokensErr: errors.New("provider down")})
		if err := c.Check(context.Background()); err == nil {
			t.Error("Check() = nil, want error")
		}
	})

	t.Run("nil provider fails", func(t *testing.T) {
		c := LLM(nil)
		if err := c.Check(context.Background()); err == nil {
			t.Error("Check() = nil, want error")
		}
	})
}
