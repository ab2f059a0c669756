package engine

import (
	"context"
	"fmt"
	"strings"

	"convod/internal/storage"
)

// ValidatePrompts checks at startup that every prompt template the
// deployment depends on exists in the store, so a missing template surfaces
// before the first turn instead of inside it.
func ValidatePrompts(ctx context.Context, store *storage.Store, required []string) error {
	names, err := store.ListTemplateNames(ctx)
	if err != nil {
		return fmt.Errorf("list template names: %w", err)
	}
	existing := make(map[string]struct{}, len(names))
	for _, name := range names {
		existing[name] = struct{}{}
	}

	var missing []string
	for _, name := range required {
		if _, ok := existing[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("prompt templates missing from the database: %s", strings.Join(missing, ", "))
	}
	return nil
}
