package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/manifoldco/promptui"

	"github.com/headline-goat/splitgoat/internal/config"
	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/store"
)

// openStore opens the backend named by the configuration.
func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == config.DriverMemory {
		return store.NewMemoryStore(), nil
	}
	s, err := store.OpenDriver(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return s, nil
}

// errMemoryOneShot is returned when a one-shot command is pointed at the
// memory driver, whose data would vanish when the command exits.
var errMemoryOneShot = errors.New("the memory driver only works with 'splitgoat serve'; use --driver sqlite or postgres")

// withService opens the store, builds a Service, executes the function,
// and handles cleanup.
func (o *rootOptions) withService(fn func(context.Context, *experiment.Service) error) error {
	if o.cfg.Store.Driver == config.DriverMemory {
		return errMemoryOneShot
	}
	s, err := openStore(o.cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close()

	svc, err := o.newService(s)
	if err != nil {
		return err
	}
	return fn(context.Background(), svc)
}

func (o *rootOptions) newService(s store.Store) (*experiment.Service, error) {
	return experiment.New(s,
		experiment.WithLogger(o.logger),
		experiment.WithCacheSize(o.cfg.Assignment.CacheSize),
		experiment.WithConfidenceLevel(o.cfg.Stats.ConfidenceLevel),
	)
}

// confirm asks a yes/no question. An interrupt counts as no.
func confirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}

	if _, err := prompt.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}

// truncate shortens s to n runes, marking the cut with "..." when there is
// room for it.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-3]) + "..."
}

// tokenFilePath returns where serve records its admin token: alongside the
// SQLite database, or the working directory for other drivers.
func tokenFilePath(cfg config.StoreConfig) string {
	if cfg.Driver != config.DriverSQLite {
		return ".splitgoat-token"
	}
	return filepath.Join(filepath.Dir(cfg.DSN), ".splitgoat-token")
}
