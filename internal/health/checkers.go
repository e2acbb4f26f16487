package health

import (
	"context"
	"errors"

	"github.com/castfell/loresmith/pkg/provider/llm"
)

// Pinger is the subset of a connection pool used by the database readiness
// check. Satisfied by [github.com/jackc/pgx/v5/pgxpool.Pool].
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a [Checker] named "database" that pings the pool.
func Database(pool Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			if pool == nil {
				return errors.New("no database configured")
			}
			return pool.Ping(ctx)
		},
	}
}

// LLM returns a [Checker] named "llm" that exercises the provider's token
// counter. A failing counter indicates the provider (or its fallback chain)
// is unusable.
func LLM(provider llm.Provider) Checker {
	return Checker{
		Name: "llm",
		Check: func(_ context.Context) error {
			if provider == nil {
				return errors.New("no LLM provider configured")
			}
			_, err := provider.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "ping"}})
			return err
		},
	}
}
