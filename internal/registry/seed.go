package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mind-engage/mindengage-lti-tool/internal/validate"
)

// LoadFile upserts every platform in a JSON array file into dst and returns how many were written.
func LoadFile(ctx context.Context, dst Admin, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read platforms file: %w", err)
	}
	var ps []Platform
	if err := json.Unmarshal(b, &ps); err != nil {
		return 0, fmt.Errorf("decode platforms file: %w", err)
	}
	for i, p := range ps {
		p = normalize(p)
		if err := validate.Struct(p); err != nil {
			return i, fmt.Errorf("platform %d (%s): %w", i, p.Issuer, err)
		}
		if _, err := dst.Upsert(ctx, p); err != nil {
			return i, fmt.Errorf("upsert %s: %w", p.Issuer, err)
		}
	}
	return len(ps), nil
}
