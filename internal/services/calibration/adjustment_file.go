package calibration

import (
	"encoding/json"
	"fmt"
	"os"

	"QuantServe/internal/domain/models"
)

// LoadAdjustment reads an adjustment written by SaveAdjustment.
func LoadAdjustment(path string) (models.ConformalAdjustment, error) {
	var adj models.ConformalAdjustment
	b, err := os.ReadFile(path)
	if err != nil {
		return adj, fmt.Errorf("read adjustment: %w", err)
	}
	if err := json.Unmarshal(b, &adj); err != nil {
		return adj, fmt.Errorf("decode adjustment %s: %w", path, err)
	}
	if adj.SampleSize <= 0 || adj.WidthScale <= 0 || adj.TargetCoverage <= 0 || adj.TargetCoverage >= 1 {
		return adj, fmt.Errorf("%w: adjustment in %s is incomplete", ErrInvalidInput, path)
	}
	return adj, nil
}

// SaveAdjustment writes adj as indented JSON, replacing the file atomically.
func SaveAdjustment(path string, adj models.ConformalAdjustment) error {
	b, err := json.MarshalIndent(adj, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write adjustment: %w", err)
	}
	return os.Rename(tmp, path)
}
