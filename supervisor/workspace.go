package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fitowlab/forgehub/config"
	"github.com/fitowlab/forgehub/registry"
)

// Mutable subdirectories every workspace owns exclusively.
var workspaceSubdirs = []string{"output", "temp", "input", "user"}

// Shared asset trees linked from the worker checkout into each workspace.
// Workers resolve these relative to their base directory, so the links let
// every tenant share one copy of the heavyweight assets.
var sharedAssetLinks = []string{"custom_nodes", "models"}

// pathMappingFile is the descriptor the worker reads to locate shared model
// categories outside its base directory.
const pathMappingFile = "extra_model_paths.yaml"

// WorkspaceDir returns the tenant's exclusive instance directory.
func WorkspaceDir(cfg *config.Config, tenant registry.TenantKey) string {
	return filepath.Join(cfg.InstanceBaseDir, fmt.Sprintf("u%d", tenant.UserID), fmt.Sprintf("p%d", tenant.ProjectID))
}

// EnsureWorkspace materializes the tenant's sandbox: the instance directory,
// its mutable subdirectories, and symlinks into the shared asset trees. It
// is idempotent; calling it on an existing workspace changes nothing.
// Existing links are never overwritten. A missing shared source tree is a
// ConfigurationError: the checkout itself is broken, not the tenant.
func EnsureWorkspace(cfg *config.Config, tenant registry.TenantKey) (string, error) {
	dir := WorkspaceDir(cfg, tenant)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}
	for _, sub := range workspaceSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", fmt.Errorf("failed to create workspace subdir %s: %w", sub, err)
		}
	}

	for _, name := range sharedAssetLinks {
		src := filepath.Join(cfg.RepoPath, name)
		dst := filepath.Join(dir, name)
		if _, err := os.Lstat(dst); err == nil {
			continue // link (or a tenant-provided dir) already present
		}
		if _, err := os.Stat(src); err != nil {
			return "", &ConfigurationError{Reason: fmt.Sprintf("worker checkout missing %s: %s", name, src)}
		}
		if err := os.Symlink(src, dst); err != nil {
			return "", &ConfigurationError{Reason: fmt.Sprintf("failed to create symlink %s -> %s", dst, src), Err: err}
		}
	}

	if err := writePathMapping(cfg, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// PathMappingFile returns the location of the workspace's path-mapping
// descriptor.
func PathMappingFile(workspaceDir string) string {
	return filepath.Join(workspaceDir, pathMappingFile)
}

// writePathMapping generates the descriptor that tells the worker where the
// shared model categories live relative to the checkout. Regenerated on
// every launch so checkout moves are picked up.
func writePathMapping(cfg *config.Config, workspaceDir string) error {
	mapping := map[string]map[string]string{
		"forge": {
			"base_path":        cfg.RepoPath,
			"custom_nodes":     "custom_nodes",
			"checkpoints":      "models/checkpoints",
			"text_encoders":    "models/text_encoders",
			"clip_vision":      "models/clip_vision",
			"configs":          "models/configs",
			"controlnet":       "models/controlnet",
			"diffusion_models": "models/diffusion_models",
			"embeddings":       "models/embeddings",
			"loras":            "models/loras",
			"upscale_models":   "models/upscale_models",
			"vae":              "models/vae",
		},
	}
	data, err := yaml.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to marshal path mapping: %w", err)
	}
	if err := os.WriteFile(PathMappingFile(workspaceDir), data, 0644); err != nil {
		return fmt.Errorf("failed to write path mapping: %w", err)
	}
	return nil
}
